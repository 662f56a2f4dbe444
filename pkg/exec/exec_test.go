package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/unitfile"
)

// TestSpecRoundTrip tests the wrapper hand-off encoding.
func TestSpecRoundTrip(t *testing.T) {
	umask := uint32(0o022)
	core := uint64(0)
	spec := &Spec{
		Argv:             []string{"/usr/bin/app", "--flag"},
		CgroupPath:       "/sys/fs/cgroup/burrow.slice/app.service",
		RuntimeDirs:      []string{"/run/app"},
		UMask:            &umask,
		WorkingDirectory: "/srv/app",
		Env:              map[string]string{"A": "1"},
		LimitCore:        &core,
		UID:              1000,
		GID:              1000,
		Fds:              []FdPass{{Fd: 7, Name: "api.socket", NonBlock: true}},
		WatchdogUSec:     3000000,
	}
	encoded, err := EncodeSpec(spec)
	require.NoError(t, err)

	got, err := DecodeSpec(encoded)
	require.NoError(t, err)
	assert.Equal(t, spec, got)
}

// TestBuildSpec tests assembly from a service section.
func TestBuildSpec(t *testing.T) {
	svc := &unitfile.ServiceSection{
		Environment:      []string{"PORT=8080", `NAME="quoted"`},
		EnvironmentFile:  []string{"-/etc/default/app", "/etc/app/env"},
		UMask:            "0077",
		WorkingDirectory: "-/srv/app",
		RuntimeDirectory: []string{"app"},
		StateDirectory:   []string{"app"},
		LimitNOFILE:      "65536",
		LimitCORE:        "infinity",
		SELinuxContext:   "-system_u:system_r:app_t:s0",
	}
	spec, err := BuildSpec(unitfile.Command{Path: "/usr/bin/app", Args: []string{"serve"}}, svc, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"/usr/bin/app", "serve"}, spec.Argv)
	assert.Equal(t, "8080", spec.Env["PORT"])
	assert.Equal(t, "quoted", spec.Env["NAME"])
	require.Len(t, spec.EnvFiles, 2)
	assert.True(t, spec.EnvFiles[0].Soft)
	assert.Equal(t, "/etc/default/app", spec.EnvFiles[0].Path)
	require.NotNil(t, spec.UMask)
	assert.Equal(t, uint32(0o077), *spec.UMask)
	assert.True(t, spec.WorkingDirSoft)
	assert.Equal(t, "/srv/app", spec.WorkingDirectory)
	assert.Equal(t, []string{"/run/app"}, spec.RuntimeDirs)
	assert.Equal(t, []string{"/var/lib/app"}, spec.StateDirs)
	require.NotNil(t, spec.LimitNoFile)
	assert.Equal(t, uint64(65536), *spec.LimitNoFile)
	require.NotNil(t, spec.LimitCore)
	assert.Equal(t, ^uint64(0), *spec.LimitCore)
	assert.True(t, spec.SELinuxContextSoft)
	assert.Equal(t, "system_u:system_r:app_t:s0", spec.SELinuxContext)
	assert.Equal(t, -1, spec.UID, "no User= leaves credentials unchanged")
}

// TestExpandArgv tests $VAR and ${VAR} expansion against the child env.
func TestExpandArgv(t *testing.T) {
	env := map[string]string{"PORT": "8080", "HOST": "::1"}
	got := ExpandArgv([]string{"/usr/bin/app", "--listen", "${HOST}:$PORT", "$MISSING"}, env)
	assert.Equal(t, []string{"/usr/bin/app", "--listen", "::1:8080", ""}, got)
}

// TestSignalByName tests the KillSignal spellings.
func TestSignalByName(t *testing.T) {
	for _, name := range []string{"SIGTERM", "TERM", "15"} {
		sig, err := SignalByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, unix.SIGTERM, sig, name)
	}
	sig, err := SignalByName("SIGKILL")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGKILL, sig)

	_, err = SignalByName("SIGBOGUS")
	assert.Error(t, err)
}
