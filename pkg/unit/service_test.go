package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/exec"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
)

// testHarness wires a registry to fake hooks so machines can be driven
// synchronously.
type testHarness struct {
	reg *Registry

	nextPID  int
	spawned  []unitfile.Command
	spawnErr error

	killed      []string
	timersArmed map[string]time.Duration
	edges       [][2]types.ActiveState
	startQueue  []string

	now time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		nextPID:     100,
		timersArmed: make(map[string]time.Duration),
		now:         time.Unix(1700000000, 0),
	}
	hooks := &Hooks{
		Spawn: func(u *Unit, cmd unitfile.Command, fds []exec.FdPass, watchdogUSec uint64) (int, error) {
			if h.spawnErr != nil {
				return 0, h.spawnErr
			}
			h.spawned = append(h.spawned, cmd)
			h.nextPID++
			return h.nextPID, nil
		},
		Kill: func(u *Unit, mode types.KillMode, sigName string, mainPID, controlPID int) error {
			h.killed = append(h.killed, sigName)
			return nil
		},
		ArmTimer:  func(u *Unit, d time.Duration) { h.timersArmed[u.ID] = d },
		StopTimer: func(u *Unit) { delete(h.timersArmed, u.ID) },
		StateChanged: func(u *Unit, old, new types.ActiveState) {
			h.edges = append(h.edges, [2]types.ActiveState{old, new})
		},
		EnqueueStart: func(target string, replace bool) { h.startQueue = append(h.startQueue, target) },
		EnqueueStop:  func(target string) {},
	}
	h.reg = NewRegistry(unitfile.SearchPath{}, hooks)
	h.reg.Now = func() time.Time { return h.now }
	return h
}

func (h *testHarness) addService(t *testing.T, id string, svc unitfile.ServiceSection) *Unit {
	t.Helper()
	cfg := &unitfile.Config{}
	cfg.Unit.StartLimitInterval = 10 * time.Second
	cfg.Unit.StartLimitBurst = 5
	cfg.Service = svc
	if cfg.Service.Type == "" {
		cfg.Service.Type = types.ServiceTypeSimple
	}
	if cfg.Service.KillMode == "" {
		cfg.Service.KillMode = types.KillControlGroup
	}
	if cfg.Service.KillSignal == "" {
		cfg.Service.KillSignal = "SIGTERM"
	}
	if cfg.Service.TimeoutStartSec == 0 {
		cfg.Service.TimeoutStartSec = 90 * time.Second
	}
	if cfg.Service.TimeoutStopSec == 0 {
		cfg.Service.TimeoutStopSec = 90 * time.Second
	}
	u, err := h.reg.AddTransient(id, cfg)
	require.NoError(t, err)
	return u
}

func cmds(paths ...string) []unitfile.Command {
	var out []unitfile.Command
	for _, p := range paths {
		out = append(out, unitfile.Command{Path: p})
	}
	return out
}

// TestOneshotExitZero walks a oneshot service through a successful run:
// empty pre/post lists are skipped and the observed active-state sequence
// is inactive -> activating -> inactive.
func TestOneshotExitZero(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "once.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeOneshot,
		ExecStart: cmds("/bin/true"),
	})

	require.NoError(t, h.reg.Start(u))
	assert.Equal(t, types.ServiceStart, u.Service.State)
	require.Len(t, h.spawned, 1)
	assert.Equal(t, "/bin/true", h.spawned[0].Path)

	pid := u.Service.ControlPID
	require.Greater(t, pid, 0)
	h.reg.SigChld(pid, 0, 0, false)

	assert.Equal(t, types.ServiceDead, u.Service.State)
	assert.Equal(t, types.ResultSuccess, u.Service.Result)
	require.Len(t, h.edges, 2)
	assert.Equal(t, [2]types.ActiveState{types.ActiveStateInactive, types.ActiveStateActivating}, h.edges[0])
	assert.Equal(t, [2]types.ActiveState{types.ActiveStateActivating, types.ActiveStateInactive}, h.edges[1])
}

// TestSimpleServiceCrash covers a simple service whose main process exits
// non-zero with Restart=no: result exit-code, active-state walks
// inactive -> activating -> active -> failed.
func TestSimpleServiceCrash(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "crash.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeSimple,
		ExecStart: cmds("/bin/false"),
		Restart:   types.RestartNo,
	})

	require.NoError(t, h.reg.Start(u))
	assert.Equal(t, types.ServiceRunning, u.Service.State)
	main := u.Service.MainPID
	require.Greater(t, main, 0)

	h.reg.SigChld(main, 1, 0, false)

	assert.Equal(t, types.ServiceFailed, u.Service.State)
	assert.Equal(t, types.ResultFailureExitCode, u.Service.Result)

	var states []types.ActiveState
	for _, e := range h.edges {
		states = append(states, e[1])
	}
	assert.Equal(t, []types.ActiveState{
		types.ActiveStateActivating,
		types.ActiveStateActive,
		types.ActiveStateFailed,
	}, states)
	assert.Empty(t, h.startQueue, "Restart=no must not schedule a restart")
}

// TestRestartOnFailureWithLimit exercises the auto-restart path until the
// start rate limiter trips.
func TestRestartOnFailureWithLimit(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "flaky.service", unitfile.ServiceSection{
		Type:       types.ServiceTypeSimple,
		ExecStart:  cmds("/bin/false"),
		Restart:    types.RestartOnFailure,
		RestartSec: 100 * time.Millisecond,
	})
	u.Config.Unit.StartLimitBurst = 2
	u.Config.Unit.StartLimitInterval = 10 * time.Second

	crash := func() {
		h.reg.SigChld(u.Service.MainPID, 1, 0, false)
	}

	// The initial start does not draw from the restart budget.
	require.NoError(t, h.reg.Start(u))
	crash()
	assert.Equal(t, types.ServiceFailed, u.Service.State)
	assert.True(t, u.Service.pendingRestart)

	// Two auto-restarts inside the interval execute: the restart timer
	// fires, requests the start through the manager, and the service
	// crashes again.
	for i := 0; i < 2; i++ {
		h.reg.TimerFired(u)
		require.Len(t, h.startQueue, i+1)
		require.NoError(t, h.reg.Start(u))
		crash()
		assert.True(t, u.Service.pendingRestart)
	}
	require.Len(t, h.spawned, 3, "initial start plus two auto-restarts")

	// The third auto-restart attempt inside the interval hits the limit.
	h.reg.TimerFired(u)
	err := h.reg.Start(u)
	require.Error(t, err)
	assert.Equal(t, types.ErrActionEFailed, types.KindOf(err))
	assert.Equal(t, types.ResultFailureStartLimitHit, u.Service.Result)
	assert.Equal(t, types.ServiceFailed, u.Service.State)
	assert.Len(t, h.spawned, 3, "the limited attempt spawns nothing")
	assert.False(t, u.Service.pendingRestart, "start-limit hit must not schedule another restart")
}

// TestControlCommandSequencing runs pre/start/post lists in order and
// advances on each SIGCHLD.
func TestControlCommandSequencing(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "seq.service", unitfile.ServiceSection{
		Type:          types.ServiceTypeOneshot,
		ExecStartPre:  cmds("/bin/pre1", "/bin/pre2"),
		ExecStart:     cmds("/bin/main"),
		ExecStartPost: cmds("/bin/post"),
	})

	require.NoError(t, h.reg.Start(u))
	assert.Equal(t, types.ServiceStartPre, u.Service.State)
	h.reg.SigChld(u.Service.ControlPID, 0, 0, false)
	assert.Equal(t, types.ServiceStartPre, u.Service.State)
	h.reg.SigChld(u.Service.ControlPID, 0, 0, false)
	assert.Equal(t, types.ServiceStart, u.Service.State)
	h.reg.SigChld(u.Service.ControlPID, 0, 0, false)
	assert.Equal(t, types.ServiceStartPost, u.Service.State)
	h.reg.SigChld(u.Service.ControlPID, 0, 0, false)
	assert.Equal(t, types.ServiceDead, u.Service.State)

	var paths []string
	for _, c := range h.spawned {
		paths = append(paths, c.Path)
	}
	assert.Equal(t, []string{"/bin/pre1", "/bin/pre2", "/bin/main", "/bin/post"}, paths)
}

// TestStartPreFailureEntersStopPath tests that a failing ExecStartPre
// never reaches ExecStart.
func TestStartPreFailureEntersStopPath(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "badpre.service", unitfile.ServiceSection{
		Type:         types.ServiceTypeOneshot,
		ExecStartPre: cmds("/bin/pre"),
		ExecStart:    cmds("/bin/main"),
	})

	require.NoError(t, h.reg.Start(u))
	h.reg.SigChld(u.Service.ControlPID, 1, 0, false)

	assert.Equal(t, types.ServiceFailed, u.Service.State)
	assert.Equal(t, types.ResultFailureExitCode, u.Service.Result)
	require.Len(t, h.spawned, 1)
	assert.Equal(t, "/bin/pre", h.spawned[0].Path)
}

// TestIgnoreFailurePrefix tests the "-" command prefix.
func TestIgnoreFailurePrefix(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "soft.service", unitfile.ServiceSection{
		Type:         types.ServiceTypeOneshot,
		ExecStartPre: []unitfile.Command{{Path: "/bin/pre", IgnoreFailure: true}},
		ExecStart:    cmds("/bin/main"),
	})

	require.NoError(t, h.reg.Start(u))
	h.reg.SigChld(u.Service.ControlPID, 1, 0, false)
	assert.Equal(t, types.ServiceStart, u.Service.State)
}

// TestStopFromRunning runs ExecStop then the signal path.
func TestStopFromRunning(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "web.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeSimple,
		ExecStart: cmds("/usr/bin/web"),
		ExecStop:  cmds("/usr/bin/web-stop"),
	})

	require.NoError(t, h.reg.Start(u))
	main := u.Service.MainPID
	require.NoError(t, h.reg.Stop(u))
	assert.Equal(t, types.ServiceStop, u.Service.State)

	// ExecStop finishes; remaining pids get the kill signal.
	h.reg.SigChld(u.Service.ControlPID, 0, 0, false)
	assert.Equal(t, types.ServiceStopSigterm, u.Service.State)
	assert.Equal(t, []string{"SIGTERM"}, h.killed)

	h.reg.SigChld(main, 0, 15, false)
	assert.Equal(t, types.ServiceDead, u.Service.State)
	assert.Equal(t, types.ResultSuccess, u.Service.Result)
}

// TestStopTimeoutEscalation walks sigterm -> sigkill -> stop-post on
// repeated timer expiry.
func TestStopTimeoutEscalation(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "stuck.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeSimple,
		ExecStart: cmds("/usr/bin/stuck"),
	})

	require.NoError(t, h.reg.Start(u))
	require.NoError(t, h.reg.Stop(u))
	assert.Equal(t, types.ServiceStopSigterm, u.Service.State)

	h.reg.TimerFired(u)
	assert.Equal(t, types.ServiceStopSigkill, u.Service.State)
	assert.Equal(t, []string{"SIGTERM", "SIGKILL"}, h.killed)

	h.reg.TimerFired(u)
	assert.Equal(t, types.ServiceFailed, u.Service.State)
	assert.Equal(t, types.ResultFailureTimeout, u.Service.Result)
}

// TestNotifyReadyAdvancesStart tests Type=notify readiness handling.
func TestNotifyReadyAdvancesStart(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "notify.service", unitfile.ServiceSection{
		Type:         types.ServiceTypeNotify,
		ExecStart:    cmds("/usr/bin/daemon"),
		NotifyAccess: types.NotifyAccessMain,
	})

	require.NoError(t, h.reg.Start(u))
	assert.Equal(t, types.ServiceStart, u.Service.State)

	h.reg.ServiceNotify(u, u.Service.MainPID, map[string]string{"READY": "1"})
	assert.Equal(t, types.ServiceRunning, u.Service.State)

	h.reg.ServiceNotify(u, u.Service.MainPID, map[string]string{"STATUS": "serving"})
	assert.Equal(t, "serving", u.Service.StatusText)
}

// TestNotifyMainPidTakeover tests MAINPID= reattribution.
func TestNotifyMainPidTakeover(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "fork.service", unitfile.ServiceSection{
		Type:         types.ServiceTypeNotify,
		ExecStart:    cmds("/usr/bin/daemon"),
		NotifyAccess: types.NotifyAccessAll,
	})
	require.NoError(t, h.reg.Start(u))
	old := u.Service.MainPID

	h.reg.ServiceNotify(u, old, map[string]string{"MAINPID": "4242", "READY": "1"})
	assert.Equal(t, 4242, u.Service.MainPID)
	assert.Equal(t, u, h.reg.UnitByPid(4242))
	assert.Nil(t, h.reg.UnitByPid(old))
	assert.Equal(t, types.ServiceRunning, u.Service.State)
}

// TestStartIdempotent tests that starting an already-active service
// reports EAlready and spawns nothing new.
func TestStartIdempotent(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "idem.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeSimple,
		ExecStart: cmds("/usr/bin/app"),
	})
	require.NoError(t, h.reg.Start(u))
	require.Len(t, h.spawned, 1)

	err := h.reg.Start(u)
	require.Error(t, err)
	assert.Equal(t, types.ErrActionEAlready, types.KindOf(err))
	assert.Len(t, h.spawned, 1)
}

// TestRemainAfterExit tests the Exited state.
func TestRemainAfterExit(t *testing.T) {
	h := newHarness(t)
	u := h.addService(t, "setup.service", unitfile.ServiceSection{
		Type:            types.ServiceTypeOneshot,
		ExecStart:       cmds("/bin/setup"),
		RemainAfterExit: true,
	})
	require.NoError(t, h.reg.Start(u))
	h.reg.SigChld(u.Service.ControlPID, 0, 0, false)

	assert.Equal(t, types.ServiceExited, u.Service.State)
	assert.Equal(t, types.ActiveStateActive, u.ActiveState())
}
