package exec

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// CgroupRoot is the parent directory under which every unit gets its own
// cgroup.
var CgroupRoot = "/sys/fs/cgroup/burrow.slice"

// EnsureCgroup creates (if needed) and returns the cgroup directory for a
// unit id.
func EnsureCgroup(unitID string) (string, error) {
	p := filepath.Join(CgroupRoot, unitID)
	if err := os.MkdirAll(p, 0755); err != nil {
		return "", types.WrapError(types.ErrIo, fmt.Sprintf("creating cgroup for %s", unitID), err)
	}
	return p, nil
}

// RemoveCgroup removes a unit's cgroup directory. The kernel refuses while
// member pids remain; that is surfaced to the caller.
func RemoveCgroup(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.WrapError(types.ErrIo, fmt.Sprintf("removing cgroup %s", path), err)
	}
	return nil
}

// CgroupPids lists the pids currently in the cgroup.
func CgroupPids(path string) ([]int, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.WrapError(types.ErrIo, fmt.Sprintf("reading cgroup %s", path), err)
	}
	var pids []int
	for _, line := range strings.Fields(string(raw)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
