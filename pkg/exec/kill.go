package exec

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/burrow/pkg/types"
	"golang.org/x/sys/unix"
)

// SignalByName resolves a KillSignal= spelling ("SIGTERM", "TERM", "15").
func SignalByName(name string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return syscall.Signal(n), nil
	}
	s := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG"))
	sig := unix.SignalNum("SIG" + s)
	if sig == 0 {
		return 0, types.NewError(types.ErrInvalidData, "unknown signal "+name)
	}
	return sig, nil
}

// KillTargets computes and signals the pid set a kill mode selects. sig is
// the configured signal; for Mixed the cgroup receives SIGTERM while only
// the main pid receives sig when it escalates to SIGKILL.
func KillTargets(mode types.KillMode, sig syscall.Signal, mainPID, controlPID int, cgroupPath string) error {
	kill := func(pid int, s syscall.Signal) {
		if pid > 0 {
			_ = unix.Kill(pid, s)
		}
	}
	switch mode {
	case types.KillNone:
		return nil
	case types.KillProcess:
		kill(mainPID, sig)
		kill(controlPID, sig)
	case types.KillMixed:
		kill(mainPID, sig)
		kill(controlPID, sig)
		pids, err := CgroupPids(cgroupPath)
		if err != nil {
			return err
		}
		for _, pid := range pids {
			if pid != mainPID && pid != controlPID {
				kill(pid, unix.SIGTERM)
			}
		}
	case types.KillControlGroup:
		kill(mainPID, sig)
		kill(controlPID, sig)
		pids, err := CgroupPids(cgroupPath)
		if err != nil {
			return err
		}
		for _, pid := range pids {
			if pid != mainPID && pid != controlPID {
				kill(pid, sig)
			}
		}
	}
	return nil
}

// ReadPIDFile parses the pid recorded by a forking service.
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, types.WrapError(types.ErrIo, "reading pid file "+path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, types.NewError(types.ErrInvalidData, "bad pid file "+path)
	}
	return pid, nil
}
