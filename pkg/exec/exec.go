package exec

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
	"github.com/vmihailenco/msgpack/v5"
)

// SpecEnv is the environment variable carrying the encoded child setup
// spec into the exec wrapper.
const SpecEnv = "BURROW_EXEC_SPEC"

// FdPass describes one inherited file descriptor. Passed fds land at 3+i
// in the child, in slice order.
type FdPass struct {
	Fd       int    `msgpack:"fd"`
	Name     string `msgpack:"name"`
	NonBlock bool   `msgpack:"non_block"`
}

// Spec is the complete child setup description. The parent encodes it, the
// wrapper half of the binary decodes it and applies each step in order
// before execve.
type Spec struct {
	Argv []string `msgpack:"argv"`

	CgroupPath string `msgpack:"cgroup_path"`

	RuntimeDirs []string `msgpack:"runtime_dirs"`
	StateDirs   []string `msgpack:"state_dirs"`
	DirUID      int      `msgpack:"dir_uid"`
	DirGID      int      `msgpack:"dir_gid"`

	UMask *uint32 `msgpack:"umask"`

	RootDirectory    string `msgpack:"root_directory"`
	WorkingDirectory string `msgpack:"working_directory"`
	WorkingDirSoft   bool   `msgpack:"working_dir_soft"`

	SELinuxContext     string `msgpack:"selinux_context"`
	SELinuxContextSoft bool   `msgpack:"selinux_context_soft"`

	EnvFiles []EnvFile         `msgpack:"env_files"`
	Env      map[string]string `msgpack:"env"`

	LimitCore   *uint64 `msgpack:"limit_core"`
	LimitNoFile *uint64 `msgpack:"limit_nofile"`
	LimitNProc  *uint64 `msgpack:"limit_nproc"`

	UID int `msgpack:"uid"`
	GID int `msgpack:"gid"`

	Fds []FdPass `msgpack:"fds"`

	WatchdogUSec uint64 `msgpack:"watchdog_usec"`
}

// EnvFile is one EnvironmentFile reference; a "-" prefix in the unit file
// sets Soft so absence is not fatal.
type EnvFile struct {
	Path string `msgpack:"path"`
	Soft bool   `msgpack:"soft"`
}

// BuildSpec assembles a Spec from a control command and its unit's exec
// context. User and group names are resolved in the manager so the child
// only handles numeric ids.
func BuildSpec(cmd unitfile.Command, svc *unitfile.ServiceSection, fds []FdPass, watchdogUSec uint64) (*Spec, error) {
	spec := &Spec{
		Argv:         append([]string{cmd.Path}, cmd.Args...),
		Env:          make(map[string]string),
		Fds:          fds,
		WatchdogUSec: watchdogUSec,
		UID:          -1,
		GID:          -1,
		DirUID:       -1,
		DirGID:       -1,
	}
	for _, kv := range svc.Environment {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, types.NewError(types.ErrConfigure, fmt.Sprintf("bad Environment entry %q", kv))
		}
		spec.Env[k] = strings.Trim(v, `"`)
	}
	for _, f := range svc.EnvironmentFile {
		path, soft := f, false
		if strings.HasPrefix(path, "-") {
			path, soft = path[1:], true
		}
		spec.EnvFiles = append(spec.EnvFiles, EnvFile{Path: path, Soft: soft})
	}

	if svc.User != "" {
		u, err := user.Lookup(svc.User)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigure, fmt.Sprintf("resolving User=%s", svc.User), err)
		}
		spec.UID, _ = strconv.Atoi(u.Uid)
		spec.GID, _ = strconv.Atoi(u.Gid)
	}
	if svc.Group != "" {
		g, err := user.LookupGroup(svc.Group)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigure, fmt.Sprintf("resolving Group=%s", svc.Group), err)
		}
		spec.GID, _ = strconv.Atoi(g.Gid)
	}
	spec.DirUID, spec.DirGID = spec.UID, spec.GID

	if svc.UMask != "" {
		m, err := strconv.ParseUint(svc.UMask, 8, 32)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigure, "bad UMask", err)
		}
		m32 := uint32(m)
		spec.UMask = &m32
	}

	spec.RootDirectory = svc.RootDirectory
	wd := svc.WorkingDirectory
	if strings.HasPrefix(wd, "-") {
		spec.WorkingDirSoft = true
		wd = wd[1:]
	}
	spec.WorkingDirectory = wd

	sel := svc.SELinuxContext
	if strings.HasPrefix(sel, "-") {
		spec.SELinuxContextSoft = true
		sel = sel[1:]
	}
	spec.SELinuxContext = sel

	for _, d := range svc.RuntimeDirectory {
		spec.RuntimeDirs = append(spec.RuntimeDirs, "/run/"+d)
	}
	for _, d := range svc.StateDirectory {
		spec.StateDirs = append(spec.StateDirs, "/var/lib/"+d)
	}

	var err error
	if spec.LimitCore, err = unitfile.ParseLimit(svc.LimitCORE); err != nil {
		return nil, err
	}
	if spec.LimitNoFile, err = unitfile.ParseLimit(svc.LimitNOFILE); err != nil {
		return nil, err
	}
	if spec.LimitNProc, err = unitfile.ParseLimit(svc.LimitNPROC); err != nil {
		return nil, err
	}
	return spec, nil
}

// EncodeSpec serializes a spec for the wrapper environment variable.
func EncodeSpec(spec *Spec) (string, error) {
	raw, err := msgpack.Marshal(spec)
	if err != nil {
		return "", types.WrapError(types.ErrSpawn, "encoding exec spec", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSpec is the wrapper-side inverse of EncodeSpec.
func DecodeSpec(encoded string) (*Spec, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.WrapError(types.ErrSpawn, "decoding exec spec", err)
	}
	var spec Spec
	if err := msgpack.Unmarshal(raw, &spec); err != nil {
		return nil, types.WrapError(types.ErrSpawn, "decoding exec spec", err)
	}
	return &spec, nil
}

// Spawn forks the exec wrapper with the encoded spec and returns the child
// pid. The wrapper applies the full setup sequence and execve's the real
// command; any wrapper-side failure surfaces as a normal SIGCHLD exit with
// status 1.
func Spawn(spec *Spec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, types.NewError(types.ErrNoCmdFound, "empty argv")
	}
	self, err := os.Executable()
	if err != nil {
		return 0, types.WrapError(types.ErrSpawn, "resolving own executable", err)
	}
	encoded, err := EncodeSpec(spec)
	if err != nil {
		return 0, err
	}

	files := []uintptr{0, 1, 2}
	for _, f := range spec.Fds {
		files = append(files, uintptr(f.Fd))
	}

	env := []string{SpecEnv + "=" + encoded}
	pid, err := syscall.ForkExec(self, []string{self, "exec-wrap"}, &syscall.ProcAttr{
		Env:   env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return 0, types.WrapError(types.ErrSpawn, fmt.Sprintf("forking %s", spec.Argv[0]), err)
	}
	return pid, nil
}
