package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/command"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/exec"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// The exec wrapper must not pass through cobra: it runs in the forked
	// child with a minimal environment and no argv conventions.
	if len(os.Args) > 1 && os.Args[1] == "exec-wrap" {
		exec.RunWrapper()
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - service manager and supervisor for Linux",
	Long: `Burrow is a PID-1-capable service manager: it loads declarative unit
definitions, resolves dependencies between them, drives each unit through
its lifecycle state machine, supervises child processes, and recovers
transparently across its own crashes or re-executions.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/burrow/daemon.yaml", "Daemon configuration file")
	rootCmd.PersistentFlags().String("socket", "", "Command socket path (defaults to the daemon configuration)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(jobCmd("start", "Start a unit", command.OpStart))
	rootCmd.AddCommand(jobCmd("stop", "Stop a unit", command.OpStop))
	rootCmd.AddCommand(jobCmd("restart", "Restart a unit", command.OpRestart))
	rootCmd.AddCommand(jobCmd("reload", "Reload a unit", command.OpReload))
	rootCmd.AddCommand(jobCmd("isolate", "Start a unit and stop everything else", command.OpIsolate))
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listUnitsCmd)
	rootCmd.AddCommand(listJobsCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(daemonReloadCmd)
	rootCmd.AddCommand(daemonReexecCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if sock, _ := rootCmd.PersistentFlags().GetString("socket"); sock != "" {
		cfg.CommandSocket = sock
	}
	return cfg, nil
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Burrow manager",
	Long: `Run the Burrow manager: load units, serve the notify and command
sockets, and supervise child processes. With --deserialize the manager
assumes it is the successor of a re-exec and reclaims inherited state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		deserialize, _ := cmd.Flags().GetBool("deserialize")

		metrics.Init()
		m, err := manager.New(cfg, deserialize)
		if err != nil {
			return err
		}
		return m.Run()
	},
}

func init() {
	daemonCmd.Flags().String("data-dir", "", "State directory (default /var/lib/burrow)")
	daemonCmd.Flags().Bool("deserialize", false, "Recover state after re-exec")
	_ = daemonCmd.Flags().MarkHidden("deserialize")
}

func dial() (*command.Client, error) {
	cfg, err := loadConfig(rootCmd)
	if err != nil {
		return nil, err
	}
	return command.Dial(cfg.CommandSocket)
}

func jobCmd(use, short string, op command.Op) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " UNIT",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()
			mode, _ := cmd.Flags().GetString("job-mode")
			force, _ := cmd.Flags().GetBool("force")
			resp, err := client.Do(command.Request{Op: op, Unit: args[0], Mode: mode, Force: force})
			if err != nil {
				return err
			}
			if !resp.OK {
				if resp.Error != "" {
					return fmt.Errorf("%s", resp.Error)
				}
				return fmt.Errorf("job failed: %s", resp.Result)
			}
			if resp.Result != "" {
				fmt.Println(resp.Result)
			}
			return nil
		},
	}
	c.Flags().String("job-mode", "", "Enqueue mode (fail, replace, replace-irreversibly, isolate, flush, ignore-dependencies, ignore-requirements, trigger)")
	c.Flags().Bool("force", false, "Bypass RefuseManualStop for stop requests")
	return c
}

var statusCmd = &cobra.Command{
	Use:   "status UNIT",
	Short: "Show the status of a unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()
		resp, err := client.Do(command.Request{Op: command.OpStatus, Unit: args[0]})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("%s", resp.Error)
		}
		for _, u := range resp.Units {
			fmt.Printf("%s - %s\n", u.ID, u.Description)
			fmt.Printf("   Loaded: %s\n", u.LoadState)
			fmt.Printf("   Active: %s (%s)\n", u.ActiveState, u.SubState)
			if u.MainPID > 0 {
				fmt.Printf(" Main PID: %d\n", u.MainPID)
			}
			if u.StatusText != "" {
				fmt.Printf("   Status: %q\n", u.StatusText)
			}
		}
		return nil
	},
}

var listUnitsCmd = &cobra.Command{
	Use:   "list-units",
	Short: "List loaded units",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()
		resp, err := client.Do(command.Request{Op: command.OpListUnits})
		if err != nil {
			return err
		}
		fmt.Printf("%-40s %-12s %-12s %-14s\n", "UNIT", "LOAD", "ACTIVE", "SUB")
		for _, u := range resp.Units {
			fmt.Printf("%-40s %-12s %-12s %-14s\n", u.ID, u.LoadState, u.ActiveState, u.SubState)
		}
		return nil
	},
}

var listJobsCmd = &cobra.Command{
	Use:   "list-jobs",
	Short: "List pending jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()
		resp, err := client.Do(command.Request{Op: command.OpListJobs})
		if err != nil {
			return err
		}
		fmt.Printf("%-38s %-30s %-12s %-10s\n", "JOB", "UNIT", "KIND", "STAGE")
		for _, j := range resp.Jobs {
			fmt.Printf("%-38s %-30s %-12s %-10s\n", j.ID, j.Unit, j.Kind, j.Stage)
		}
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream manager events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Monitor(func(ev command.EventRecord) bool {
			if ev.Unit != "" {
				fmt.Printf("%-24s %-30s %s\n", ev.Type, ev.Unit, ev.Message)
			} else {
				fmt.Printf("%-24s %s\n", ev.Type, ev.Message)
			}
			return true
		})
	},
}

var daemonReloadCmd = &cobra.Command{
	Use:   "daemon-reload",
	Short: "Reload the manager configuration and unit files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleDaemonOp(command.OpDaemonReload)
	},
}

var daemonReexecCmd = &cobra.Command{
	Use:   "daemon-reexec",
	Short: "Re-execute the manager, preserving state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleDaemonOp(command.OpDaemonReexec)
	},
}

func simpleDaemonOp(op command.Op) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()
	resp, err := client.Do(command.Request{Op: op})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}
