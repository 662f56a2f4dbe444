package exec

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// RunWrapper is the child half of Spawn. It runs inside the freshly forked
// process, applies the setup sequence in the fixed order, and execve's the
// real command. On any error it writes a line to stderr and exits 1; the
// parent observes that as a spawn failure through SIGCHLD.
func RunWrapper() {
	if err := runWrapper(); err != nil {
		fmt.Fprintf(os.Stderr, "burrow exec-wrap: %v\n", err)
		os.Exit(1)
	}
}

func runWrapper() error {
	encoded := os.Getenv(SpecEnv)
	if encoded == "" {
		return fmt.Errorf("%s not set", SpecEnv)
	}
	spec, err := DecodeSpec(encoded)
	if err != nil {
		return err
	}

	// Reset the signal mask inherited from the manager.
	var empty unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &empty, nil); err != nil {
		return fmt.Errorf("resetting signal mask: %w", err)
	}

	// Attach to the unit cgroup before anything else so every later step
	// is already accounted to the unit.
	if spec.CgroupPath != "" {
		procs := filepath.Join(spec.CgroupPath, "cgroup.procs")
		if err := os.WriteFile(procs, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("joining cgroup %s: %w", spec.CgroupPath, err)
		}
	}

	for _, d := range append(append([]string{}, spec.RuntimeDirs...), spec.StateDirs...) {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
		if spec.DirUID >= 0 || spec.DirGID >= 0 {
			if err := os.Chown(d, spec.DirUID, spec.DirGID); err != nil {
				return fmt.Errorf("chowning directory %s: %w", d, err)
			}
		}
	}

	if spec.UMask != nil {
		unix.Umask(int(*spec.UMask))
	}

	if spec.RootDirectory != "" {
		if err := unix.Chroot(spec.RootDirectory); err != nil {
			return fmt.Errorf("chroot %s: %w", spec.RootDirectory, err)
		}
		if err := os.Chdir("/"); err != nil {
			return err
		}
	}

	env, err := buildEnv(spec)
	if err != nil {
		return err
	}

	if wd := spec.WorkingDirectory; wd != "" {
		if wd == "~" || strings.HasPrefix(wd, "~/") {
			wd = filepath.Join(env["HOME"], strings.TrimPrefix(wd, "~"))
		}
		if err := os.Chdir(wd); err != nil && !spec.WorkingDirSoft {
			return fmt.Errorf("chdir %s: %w", spec.WorkingDirectory, err)
		}
	}

	if spec.SELinuxContext != "" {
		err := os.WriteFile("/proc/thread-self/attr/exec", []byte(spec.SELinuxContext), 0)
		if err != nil && !spec.SELinuxContextSoft {
			return fmt.Errorf("setting SELinux exec context: %w", err)
		}
	}

	if err := applyLimits(spec); err != nil {
		return err
	}

	// Group first so dropping the uid cannot make setresgid fail with
	// EPERM afterwards.
	if spec.GID >= 0 {
		if err := unix.Setresgid(spec.GID, spec.GID, spec.GID); err != nil {
			return fmt.Errorf("setresgid %d: %w", spec.GID, err)
		}
	}
	if spec.UID >= 0 {
		if err := unix.Setresuid(spec.UID, spec.UID, spec.UID); err != nil {
			return fmt.Errorf("setresuid %d: %w", spec.UID, err)
		}
	}

	if len(spec.Fds) > 0 {
		env["LISTEN_PID"] = strconv.Itoa(os.Getpid())
		env["LISTEN_FDS"] = strconv.Itoa(len(spec.Fds))
		names := make([]string, len(spec.Fds))
		for i, f := range spec.Fds {
			names[i] = f.Name
		}
		env["LISTEN_FDNAMES"] = strings.Join(names, ":")
	}
	if spec.WatchdogUSec > 0 {
		env["WATCHDOG_PID"] = strconv.Itoa(os.Getpid())
		env["WATCHDOG_USEC"] = strconv.FormatUint(spec.WatchdogUSec, 10)
	}

	// Passed fds already sit at 3..3+n-1 (the parent's Files slice placed
	// them there, cloexec cleared by dup). Apply the nonblock requests.
	for i, f := range spec.Fds {
		fd := 3 + i
		fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return fmt.Errorf("fcntl fd %d: %w", fd, err)
		}
		if f.NonBlock {
			fl |= unix.O_NONBLOCK
		} else {
			fl &^= unix.O_NONBLOCK
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, fl); err != nil {
			return fmt.Errorf("fcntl fd %d: %w", fd, err)
		}
	}

	argv := ExpandArgv(spec.Argv, env)
	envList := flattenEnv(env)
	if err := unix.Exec(argv[0], argv, envList); err != nil {
		return fmt.Errorf("execve %s: %w", argv[0], err)
	}
	return nil
}

func buildEnv(spec *Spec) (map[string]string, error) {
	env := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME": "/root",
	}
	for _, f := range spec.EnvFiles {
		if err := loadEnvFile(f.Path, env); err != nil && !f.Soft {
			return nil, fmt.Errorf("environment file %s: %w", f.Path, err)
		}
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env, nil
}

func loadEnvFile(path string, env map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		env[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return sc.Err()
}

// ExpandArgv expands $VAR and ${VAR} references in each argument against
// the final child environment. Unknown variables expand to the empty
// string.
func ExpandArgv(argv []string, env map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = os.Expand(a, func(k string) string { return env[k] })
	}
	return out
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func applyLimits(spec *Spec) error {
	set := func(resource int, v *uint64, name string) error {
		if v == nil {
			return nil
		}
		lim := unix.Rlimit{Cur: *v, Max: *v}
		if err := unix.Setrlimit(resource, &lim); err != nil {
			return fmt.Errorf("setting %s: %w", name, err)
		}
		return nil
	}
	if err := set(unix.RLIMIT_CORE, spec.LimitCore, "LimitCORE"); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_NOFILE, spec.LimitNoFile, "LimitNOFILE"); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_NPROC, spec.LimitNProc, "LimitNPROC"); err != nil {
		return err
	}
	return nil
}
