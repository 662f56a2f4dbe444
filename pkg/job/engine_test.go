package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/exec"
	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unit"
	"github.com/cuemby/burrow/pkg/unitfile"
)

type fixture struct {
	reg    *unit.Registry
	eng    *Engine
	spawns []string
	pids   map[string]int

	finished map[string]types.JobResult
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pids:     make(map[string]int),
		finished: make(map[string]types.JobResult),
	}
	next := 500
	hooks := &unit.Hooks{
		Spawn: func(u *unit.Unit, cmd unitfile.Command, fds []exec.FdPass, watchdogUSec uint64) (int, error) {
			f.spawns = append(f.spawns, u.ID)
			next++
			f.pids[u.ID] = next
			return next, nil
		},
		Kill:         func(u *unit.Unit, mode types.KillMode, sigName string, mainPID, controlPID int) error { return nil },
		ArmTimer:     func(u *unit.Unit, d time.Duration) {},
		StopTimer:    func(u *unit.Unit) {},
		EnqueueStart: func(target string, replace bool) {},
		EnqueueStop:  func(target string) {},
	}
	f.reg = unit.NewRegistry(unitfile.SearchPath{}, hooks)
	f.eng = NewEngine(f.reg)
	f.eng.OnFinished = func(j *Job, result types.JobResult) {
		f.finished[j.Unit+"/"+string(j.Kind)] = result
	}
	// Completions flow through state changes, as the manager wires them.
	hooks.StateChanged = func(u *unit.Unit, old, new types.ActiveState) {
		f.eng.UnitStateChanged(u, old, new)
	}
	return f
}

func (f *fixture) addService(t *testing.T, id string, svc unitfile.ServiceSection, deps map[graph.Relation][]string) *unit.Unit {
	t.Helper()
	cfg := &unitfile.Config{}
	cfg.Unit.StartLimitInterval = 10 * time.Second
	cfg.Unit.StartLimitBurst = 50
	cfg.Service = svc
	if cfg.Service.Type == "" {
		cfg.Service.Type = types.ServiceTypeSimple
	}
	if cfg.Service.KillSignal == "" {
		cfg.Service.KillSignal = "SIGTERM"
	}
	if cfg.Service.KillMode == "" {
		cfg.Service.KillMode = types.KillControlGroup
	}
	cfg.Service.TimeoutStartSec = 90 * time.Second
	cfg.Service.TimeoutStopSec = 90 * time.Second
	u, err := f.reg.AddTransient(id, cfg)
	require.NoError(t, err)
	for rel, targets := range deps {
		for _, target := range targets {
			require.NoError(t, f.reg.AddDep(id, rel, target))
		}
	}
	return u
}

func oneshot(path string) unitfile.ServiceSection {
	return unitfile.ServiceSection{
		Type:      types.ServiceTypeOneshot,
		ExecStart: []unitfile.Command{{Path: path}},
	}
}

// TestStartExpansionPullsInRequires tests that Start expands along
// PullInStart into a start job for the dependency.
func TestStartExpansionPullsInRequires(t *testing.T) {
	f := newFixture(t)
	f.addService(t, "b.service", oneshot("/bin/b"), nil)
	f.addService(t, "a.service", oneshot("/bin/a"), map[graph.Relation][]string{
		graph.Requires: {"b.service"},
	})

	_, err := f.eng.Exec("a.service", types.JobStart, types.JobModeReplace, false)
	require.NoError(t, err)

	assert.Len(t, f.eng.Live().UnitJobs("a.service"), 1)
	assert.Len(t, f.eng.Live().UnitJobs("b.service"), 1)
}

// TestDependencyFailurePropagation: A requires and orders after B, and
// B's ExecStart exits 1. B's job fails and A's job ends
// with result Dependency without A ever spawning.
func TestDependencyFailurePropagation(t *testing.T) {
	f := newFixture(t)
	f.addService(t, "b.service", oneshot("/bin/false"), nil)
	a := f.addService(t, "a.service", oneshot("/bin/a"), map[graph.Relation][]string{
		graph.Requires: {"b.service"},
		graph.After:    {"b.service"},
	})

	_, err := f.eng.Exec("a.service", types.JobStart, types.JobModeReplace, false)
	require.NoError(t, err)
	f.eng.RunQueue()

	// Only B may have spawned; A is ordered after it.
	require.Equal(t, []string{"b.service"}, f.spawns)

	// B's command exits 1.
	b := f.reg.Get("b.service")
	f.reg.SigChld(f.pids["b.service"], 1, 0, false)
	assert.Equal(t, types.ActiveStateFailed, b.ActiveState())

	assert.Equal(t, types.JobFailed, f.finished["b.service/start"])
	assert.Equal(t, types.JobDependency, f.finished["a.service/start"])
	assert.Equal(t, []string{"b.service"}, f.spawns, "A must never spawn")
	assert.Equal(t, types.ActiveStateInactive, a.ActiveState())
}

// TestConflictRejection: Start X and Stop X in the same transaction with
// mode fail is rejected and the live table stays unchanged.
func TestConflictRejection(t *testing.T) {
	f := newFixture(t)
	f.addService(t, "x.service", oneshot("/bin/x"), nil)

	stage := NewTable()
	require.NoError(t, f.eng.transExpand(stage, f.reg, "x.service", types.JobStart, types.JobModeFail))
	require.NoError(t, f.eng.transExpand(stage, f.reg, "x.service", types.JobStop, types.JobModeFail))

	err := f.eng.transVerify(stage, f.eng.Live(), types.JobModeFail)
	require.Error(t, err)
	assert.Equal(t, types.ErrJobConflict, types.KindOf(err))
	assert.Empty(t, f.eng.Live().Jobs())
}

// TestConflictingDependenciesRejectTransaction tests conflict detection
// through expansion: starting a unit that both requires and conflicts
// with the same dependency cannot produce a consistent stage.
func TestConflictingDependenciesRejectTransaction(t *testing.T) {
	f := newFixture(t)
	f.addService(t, "dep.service", oneshot("/bin/dep"), nil)
	f.addService(t, "bad.service", oneshot("/bin/bad"), map[graph.Relation][]string{
		graph.Requires:  {"dep.service"},
		graph.Conflicts: {"dep.service"},
	})

	_, err := f.eng.Exec("bad.service", types.JobStart, types.JobModeFail, false)
	require.Error(t, err)
	assert.Equal(t, types.ErrJobConflict, types.KindOf(err))
	assert.Empty(t, f.eng.Live().Jobs(), "a rejected transaction leaves no partial jobs")
}

// TestStartIdempotentOnActiveUnit tests that Start on an active unit with
// mode fail never spawns a second child.
func TestStartIdempotentOnActiveUnit(t *testing.T) {
	f := newFixture(t)
	u := f.addService(t, "up.service", unitfile.ServiceSection{
		Type:            types.ServiceTypeOneshot,
		ExecStart:       []unitfile.Command{{Path: "/bin/up"}},
		RemainAfterExit: true,
	}, nil)

	_, err := f.eng.Exec("up.service", types.JobStart, types.JobModeReplace, false)
	require.NoError(t, err)
	f.eng.RunQueue()
	f.reg.SigChld(f.pids["up.service"], 0, 0, false)
	require.Equal(t, types.ActiveStateActive, u.ActiveState())
	require.Len(t, f.spawns, 1)

	_, err = f.eng.Exec("up.service", types.JobStart, types.JobModeFail, false)
	require.NoError(t, err)
	f.eng.RunQueue()

	assert.Equal(t, types.JobDone, f.finished["up.service/start"])
	assert.Len(t, f.spawns, 1, "no second child may be spawned")
	assert.Empty(t, f.eng.Live().Jobs())
}

// TestMergeKinds tests the merge matrix.
func TestMergeKinds(t *testing.T) {
	tests := []struct {
		a, b   types.JobKind
		merged types.JobKind
		ok     bool
	}{
		{types.JobStart, types.JobStart, types.JobStart, true},
		{types.JobStart, types.JobVerify, types.JobStart, true},
		{types.JobStart, types.JobRestart, types.JobRestart, true},
		{types.JobStop, types.JobRestart, types.JobStop, true},
		{types.JobReload, types.JobTryReload, types.JobReload, true},
		{types.JobNop, types.JobStop, types.JobStop, true},
		{types.JobStart, types.JobStop, "", false},
		{types.JobVerify, types.JobStop, "", false},
	}
	for _, tt := range tests {
		got, ok := mergeKinds(tt.a, tt.b)
		assert.Equal(t, tt.ok, ok, "%s+%s", tt.a, tt.b)
		if ok {
			assert.Equal(t, tt.merged, got, "%s+%s", tt.a, tt.b)
		}
	}
}

// TestDestructiveCheckFailMode tests that mode fail refuses to displace a
// live conflicting job while replace cancels it.
func TestDestructiveCheckFailMode(t *testing.T) {
	f := newFixture(t)
	f.addService(t, "x.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeSimple,
		ExecStart: []unitfile.Command{{Path: "/bin/x"}},
	}, nil)

	// A start job occupies the unit: the queue is never run, so it stays
	// waiting while the conflicting stop jobs are submitted.
	_, err := f.eng.Exec("x.service", types.JobStart, types.JobModeReplace, false)
	require.NoError(t, err)

	_, err = f.eng.Exec("x.service", types.JobStop, types.JobModeFail, false)
	require.Error(t, err)
	assert.Equal(t, types.ErrJobDestructive, types.KindOf(err))

	_, err = f.eng.Exec("x.service", types.JobStop, types.JobModeReplace, false)
	require.NoError(t, err)

	// The start job was cancelled by the replacement.
	jobs := f.eng.Live().UnitJobs("x.service")
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStop, jobs[0].Kind)
}

// TestRestartRunsStopThenStart tests the two-phase restart.
func TestRestartRunsStopThenStart(t *testing.T) {
	f := newFixture(t)
	u := f.addService(t, "r.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeSimple,
		ExecStart: []unitfile.Command{{Path: "/bin/r"}},
	}, nil)

	_, err := f.eng.Exec("r.service", types.JobStart, types.JobModeReplace, false)
	require.NoError(t, err)
	f.eng.RunQueue()
	require.Equal(t, types.ActiveStateActive, u.ActiveState())
	firstPid := f.pids["r.service"]

	_, err = f.eng.Exec("r.service", types.JobRestart, types.JobModeReplace, false)
	require.NoError(t, err)
	f.eng.RunQueue()

	// Stop phase signalled the main pid; deliver its exit.
	f.reg.SigChld(firstPid, 0, 15, false)

	assert.Equal(t, types.ActiveStateActive, u.ActiveState())
	assert.Len(t, f.spawns, 2, "restart must spawn a fresh child")
	assert.Equal(t, types.JobDone, f.finished["r.service/restart"])
}

// TestTryRestartInactiveIsNoop tests TryRestart against a dead unit.
func TestTryRestartInactiveIsNoop(t *testing.T) {
	f := newFixture(t)
	f.addService(t, "idle.service", oneshot("/bin/idle"), nil)

	_, err := f.eng.Exec("idle.service", types.JobTryRestart, types.JobModeReplace, false)
	require.NoError(t, err)
	f.eng.RunQueue()

	assert.Equal(t, types.JobDone, f.finished["idle.service/try-restart"])
	assert.Empty(t, f.spawns)
}

// TestIsolateStopsOtherUnits tests the isolate mode side effect.
func TestIsolateStopsOtherUnits(t *testing.T) {
	f := newFixture(t)
	other := f.addService(t, "other.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeSimple,
		ExecStart: []unitfile.Command{{Path: "/bin/other"}},
	}, nil)
	f.addService(t, "rescue.service", oneshot("/bin/rescue"), nil)

	_, err := f.eng.Exec("other.service", types.JobStart, types.JobModeReplace, false)
	require.NoError(t, err)
	f.eng.RunQueue()
	require.Equal(t, types.ActiveStateActive, other.ActiveState())

	_, err = f.eng.Exec("rescue.service", types.JobStart, types.JobModeIsolate, false)
	require.NoError(t, err)
	f.eng.RunQueue()
	f.reg.SigChld(f.pids["other.service"], 0, 15, false)

	assert.Equal(t, types.ActiveStateInactive, other.ActiveState())
}

// TestIgnoreOnIsolate tests the IgnoreOnIsolate escape hatch.
func TestIgnoreOnIsolate(t *testing.T) {
	f := newFixture(t)
	keeper := f.addService(t, "keeper.service", unitfile.ServiceSection{
		Type:      types.ServiceTypeSimple,
		ExecStart: []unitfile.Command{{Path: "/bin/keeper"}},
	}, nil)
	keeper.Config.Unit.IgnoreOnIsolate = true
	f.addService(t, "rescue.service", oneshot("/bin/rescue"), nil)

	_, err := f.eng.Exec("keeper.service", types.JobStart, types.JobModeReplace, false)
	require.NoError(t, err)
	f.eng.RunQueue()

	_, err = f.eng.Exec("rescue.service", types.JobStart, types.JobModeIsolate, false)
	require.NoError(t, err)
	f.eng.RunQueue()

	assert.Equal(t, types.ActiveStateActive, keeper.ActiveState())
}

// TestAfterOrderingHoldsStartJob tests run-queue ordering.
func TestAfterOrderingHoldsStartJob(t *testing.T) {
	f := newFixture(t)
	f.addService(t, "first.service", oneshot("/bin/first"), nil)
	f.addService(t, "second.service", oneshot("/bin/second"), map[graph.Relation][]string{
		graph.Wants: {"first.service"},
		graph.After: {"first.service"},
	})

	_, err := f.eng.Exec("second.service", types.JobStart, types.JobModeReplace, false)
	require.NoError(t, err)
	f.eng.RunQueue()
	require.Equal(t, []string{"first.service"}, f.spawns)

	// first completes; the queue releases second.
	f.reg.SigChld(f.pids["first.service"], 0, 0, false)
	f.eng.RunQueue()
	assert.Equal(t, []string{"first.service", "second.service"}, f.spawns)
}
