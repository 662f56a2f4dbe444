package unit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
)

// TestTargetStartStop tests the trivial target machine.
func TestTargetStartStop(t *testing.T) {
	h := newHarness(t)
	cfg := &unitfile.Config{}
	u, err := h.reg.AddTransient("multi-user.target", cfg)
	require.NoError(t, err)

	require.NoError(t, h.reg.Start(u))
	assert.Equal(t, types.ActiveStateActive, u.ActiveState())

	err = h.reg.Start(u)
	assert.Equal(t, types.ErrActionEAlready, types.KindOf(err))

	require.NoError(t, h.reg.Stop(u))
	assert.Equal(t, types.ActiveStateInactive, u.ActiveState())
}

// TestTimerArmsAndTriggers tests monotonic timer elapse and trigger
// propagation.
func TestTimerArmsAndTriggers(t *testing.T) {
	h := newHarness(t)
	cfg := &unitfile.Config{}
	cfg.Timer = unitfile.TimerSection{OnUnitActiveSec: 5 * time.Minute}
	u, err := h.reg.AddTransient("backup.timer", cfg)
	require.NoError(t, err)
	require.NoError(t, h.reg.AddDep("backup.timer", graph.Triggers, "backup.service"))

	require.NoError(t, h.reg.Start(u))
	assert.Equal(t, types.TimerWaiting, u.Timer.State)
	assert.Equal(t, 5*time.Minute, h.timersArmed["backup.timer"])

	h.reg.TimerFired(u)
	assert.Equal(t, []string{"backup.service"}, h.startQueue)
	assert.Equal(t, types.TimerWaiting, u.Timer.State, "repeating timers re-arm")
}

// TestTimerCalendarSchedule tests OnCalendar parsing through the cron
// parser.
func TestTimerCalendarSchedule(t *testing.T) {
	h := newHarness(t)
	cfg := &unitfile.Config{}
	cfg.Timer = unitfile.TimerSection{OnCalendar: []string{"0", "3", "*", "*", "*"}}
	// The loader keeps each OnCalendar value whole: one entry per schedule.
	cfg.Timer.OnCalendar = []string{"0 3 * * *"}
	u, err := h.reg.AddTransient("nightly.timer", cfg)
	require.NoError(t, err)

	require.NoError(t, h.reg.Start(u))
	assert.Equal(t, types.TimerWaiting, u.Timer.State)
	next := u.Timer.NextElapse
	assert.Equal(t, 3, next.Hour())
	assert.True(t, next.After(h.now))
}

// TestPathExistsTriggersOnce tests the PathExists edge detection.
func TestPathExistsTriggersOnce(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	watched := filepath.Join(dir, "flag")

	cfg := &unitfile.Config{}
	cfg.Path = unitfile.PathSection{PathExists: []string{watched}}
	u, err := h.reg.AddTransient("flag.path", cfg)
	require.NoError(t, err)
	require.NoError(t, h.reg.AddDep("flag.path", graph.Triggers, "flag.service"))

	require.NoError(t, h.reg.Start(u))
	h.reg.PathCheck(u)
	assert.Empty(t, h.startQueue)

	require.NoError(t, os.WriteFile(watched, []byte("x"), 0644))
	h.reg.PathCheck(u)
	assert.Equal(t, []string{"flag.service"}, h.startQueue)
	assert.Equal(t, types.PathRunning, u.Path.State)

	// No re-fire while the file persists.
	h.reg.PathCheck(u)
	assert.Len(t, h.startQueue, 1)
}

// TestPathChangedDetectsMtime tests the PathChanged watch.
func TestPathChangedDetectsMtime(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	watched := filepath.Join(dir, "conf")
	require.NoError(t, os.WriteFile(watched, []byte("v1"), 0644))

	cfg := &unitfile.Config{}
	cfg.Path = unitfile.PathSection{PathChanged: []string{watched}}
	u, err := h.reg.AddTransient("conf.path", cfg)
	require.NoError(t, err)
	require.NoError(t, h.reg.AddDep("conf.path", graph.Triggers, "conf.service"))

	require.NoError(t, h.reg.Start(u))
	h.reg.PathCheck(u)
	require.Empty(t, h.startQueue)

	require.NoError(t, os.WriteFile(watched, []byte("version2"), 0644))
	h.reg.PathCheck(u)
	assert.Equal(t, []string{"conf.service"}, h.startQueue)
}

// TestRegistryRefcountGC tests that only unreferenced inactive units are
// collected.
func TestRegistryRefcountGC(t *testing.T) {
	h := newHarness(t)
	cfg := &unitfile.Config{}
	u, err := h.reg.AddTransient("ephemeral.target", cfg)
	require.NoError(t, err)

	u.RefCnt = 0
	require.NoError(t, h.reg.Start(u))
	h.reg.EnqueueGC("ephemeral.target")
	h.reg.RunGC()
	assert.NotNil(t, h.reg.Get("ephemeral.target"), "active units survive gc")

	require.NoError(t, h.reg.Stop(u))
	h.reg.EnqueueGC("ephemeral.target")
	h.reg.RunGC()
	assert.Nil(t, h.reg.Get("ephemeral.target"))
}
