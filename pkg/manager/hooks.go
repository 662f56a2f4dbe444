package manager

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/exec"
	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unit"
	"github.com/cuemby/burrow/pkg/unitfile"
)

var emptyServiceSection unitfile.ServiceSection

// makeHooks wires the unit state machines to the manager's runtime
// surfaces: spawning, killing, timers, job enqueueing, socket fds.
func (m *Manager) makeHooks() *unit.Hooks {
	return &unit.Hooks{
		Spawn:               m.hookSpawn,
		Kill:                m.hookKill,
		ArmTimer:            m.hookArmTimer,
		StopTimer:           m.hookStopTimer,
		StateChanged:        m.hookStateChanged,
		EnqueueStart:        m.hookEnqueueStart,
		EnqueueStop:         m.hookEnqueueStop,
		CollectFds:          m.hookCollectFds,
		RegisterSocketFd:    m.hookRegisterSocketFd,
		UnregisterSocketFds: m.hookUnregisterSocketFds,
	}
}

func (m *Manager) hookSpawn(u *unit.Unit, cmd unitfile.Command, fds []exec.FdPass, watchdogUSec uint64) (int, error) {
	svc := &emptyServiceSection
	if u.Kind == types.UnitService && u.Config != nil {
		svc = &u.Config.Service
	}
	spec, err := exec.BuildSpec(cmd, svc, fds, watchdogUSec)
	if err != nil {
		metrics.UnitSpawnFailuresTotal.Inc()
		return 0, err
	}
	if u.CgroupPath == "" {
		if cg, err := exec.EnsureCgroup(u.ID); err == nil {
			u.CgroupPath = cg
			m.persistUnit(u)
		}
	}
	spec.CgroupPath = u.CgroupPath

	m.reli.SetLastFrame(FrameUnit, u32(kindIndex(u.Kind)), nil)
	m.reli.SetLastUnit(u.ID)
	pid, err := exec.Spawn(spec)
	m.reli.ClearLastUnit()
	m.reli.ClearLastFrame()
	if err != nil {
		metrics.UnitSpawnFailuresTotal.Inc()
		return 0, err
	}
	m.log.Debug().
		Str("unit", u.ID).
		Str("command", cmd.Path).
		Int("pid", pid).
		Msg("spawned child")
	m.persistPids()
	return pid, nil
}

func (m *Manager) hookKill(u *unit.Unit, mode types.KillMode, sigName string, mainPID, controlPID int) error {
	sig, err := exec.SignalByName(sigName)
	if err != nil {
		sig = unix.SIGTERM
	}
	return exec.KillTargets(mode, sig, mainPID, controlPID, u.CgroupPath)
}

func (m *Manager) hookArmTimer(u *unit.Unit, d time.Duration) {
	if d <= 0 {
		return
	}
	if t, ok := m.timers[u.ID]; ok {
		t.Stop()
	}
	id := u.ID
	m.timers[id] = time.AfterFunc(d, func() {
		m.eventCh <- loopEvent{kind: evUnitTimer, unitID: id}
	})
}

func (m *Manager) hookStopTimer(u *unit.Unit) {
	if t, ok := m.timers[u.ID]; ok {
		t.Stop()
		delete(m.timers, u.ID)
	}
}

func (m *Manager) hookEnqueueStart(target string, replace bool) {
	mode := types.JobModeFail
	if replace {
		mode = types.JobModeReplace
	}
	if _, err := m.enqueue(target, types.JobStart, mode, false); err != nil {
		m.log.Debug().Err(err).Str("unit", target).Msg("triggered start rejected")
	}
}

func (m *Manager) hookEnqueueStop(target string) {
	if _, err := m.enqueue(target, types.JobStop, types.JobModeReplace, false); err != nil {
		m.log.Debug().Err(err).Str("unit", target).Msg("propagated stop rejected")
	}
}

func (m *Manager) hookCollectFds(u *unit.Unit) []exec.FdPass {
	var out []exec.FdPass
	for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomTriggeredBy) {
		s := m.reg.Get(id)
		if s == nil || s.Socket == nil {
			continue
		}
		for _, lf := range s.Socket.Fds {
			out = append(out, exec.FdPass{Fd: lf.Fd, Name: lf.Name})
		}
	}
	return out
}

func (m *Manager) hookRegisterSocketFd(u *unit.Unit, fd int, name string) {
	if err := m.reli.FdStore(fd, name); err != nil {
		m.log.Warn().Err(err).Str("unit", u.ID).Int("fd", fd).Msg("cannot persist listen fd")
	}
	m.socketFdUnits[fd] = u.ID
	m.startPoller(fd)
}

func (m *Manager) hookUnregisterSocketFds(u *unit.Unit) {
	for fd, id := range m.socketFdUnits {
		if id != u.ID {
			continue
		}
		m.stopPoller(fd)
		delete(m.socketFdUnits, fd)
		if err := m.reli.FdForget(fd); err != nil {
			m.log.Debug().Err(err).Int("fd", fd).Msg("cannot drop pending fd")
		}
	}
}

// startPoller watches one listen fd for readability on a helper goroutine
// and reports readiness as a loop event.
func (m *Manager) startPoller(fd int) {
	if _, ok := m.socketPollers[fd]; ok {
		return
	}
	quit := make(chan struct{})
	m.socketPollers[fd] = quit
	go func() {
		for {
			select {
			case <-quit:
				return
			default:
			}
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, err := unix.Poll(pfd, 1000)
			if err != nil && err != unix.EINTR {
				return
			}
			if n > 0 {
				if pfd[0].Revents&(unix.POLLNVAL|unix.POLLERR) != 0 {
					return
				}
				if pfd[0].Revents&unix.POLLIN != 0 {
					m.eventCh <- loopEvent{kind: evSocketReady, fd: fd}
					return
				}
			}
		}
	}()
}

func (m *Manager) stopPoller(fd int) {
	if quit, ok := m.socketPollers[fd]; ok {
		close(quit)
		delete(m.socketPollers, fd)
	}
}

// hookStateChanged is the funnel for every unit active-state edge: job
// completion, retroactive dependencies, trigger feedback, failure
// handlers, sweeps, events, metrics and persistence all hang off it.
func (m *Manager) hookStateChanged(u *unit.Unit, from, to types.ActiveState) {
	metrics.UnitStateChangesTotal.WithLabelValues(string(to)).Inc()
	m.broker.Publish(events.New(events.EventUnitStateChanged, u.ID, string(from)+" -> "+string(to)))
	if to == types.ActiveStateFailed {
		m.broker.Publish(events.New(events.EventUnitFailed, u.ID, u.SubState()))
	}

	m.jobs.UnitStateChanged(u, from, to)

	// Trigger feedback: sockets and paths fall back to listening once the
	// unit they activated goes down.
	for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomTriggeredBy) {
		t := m.reg.Get(id)
		if t == nil {
			continue
		}
		switch t.Kind {
		case types.UnitSocket:
			m.reg.TriggeredUnitChanged(t, to)
		case types.UnitPath:
			m.reg.PathTriggeredUnitChanged(t, to)
		}
	}

	noJob := m.jobs.Live().Running(u.ID) == nil && len(m.jobs.Live().UnitJobs(u.ID)) == 0

	if to == types.ActiveStateActive && noJob {
		for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomRetroActiveStartReplace) {
			m.hookEnqueueStart(id, true)
		}
		for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomRetroActiveStartFail) {
			m.hookEnqueueStart(id, false)
		}
		for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomRetroActiveStopOnStart) {
			if t := m.reg.Get(id); t != nil && t.ActiveState().IsActiveOrActivating() {
				m.hookEnqueueStop(id)
			}
		}
	}

	if to.IsInactiveOrFailed() {
		if noJob {
			for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomRetroActiveStopOnStop) {
				if t := m.reg.Get(id); t != nil && t.ActiveState().IsActiveOrActivating() {
					m.hookEnqueueStop(id)
				}
			}
		}
		// BindsTo: whatever cannot be active without u has to go down.
		for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomAddCannotBeActiveWithoutQueue) {
			if t := m.reg.Get(id); t != nil && t.ActiveState().IsActiveOrActivating() {
				m.hookEnqueueStop(id)
			}
		}
		// Upholds: an active upholder restarts u steadily.
		for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomStartSteadily) {
			if t := m.reg.Get(id); t != nil && t.ActiveState() == types.ActiveStateActive {
				m.hookEnqueueStart(u.ID, true)
				break
			}
		}
	}

	// Success and failure handlers fire on terminal edges out of an
	// active-side state.
	if from.IsActiveOrActivating() {
		switch to {
		case types.ActiveStateFailed:
			for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomOnFailure) {
				m.hookEnqueueStart(id, true)
			}
		case types.ActiveStateInactive:
			for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomOnSuccess) {
				m.hookEnqueueStart(id, true)
			}
		}
	}

	m.sweepUnneeded(u)
	m.persistUnit(u)
	m.updateUnitGauges()
}

// sweepUnneeded stops StopWhenUnneeded units that u's state change may
// have released.
func (m *Manager) sweepUnneeded(u *unit.Unit) {
	for _, id := range m.reg.Graph().GetAtom(u.ID, graph.AtomAddStopWhenUnneededQueue) {
		t := m.reg.Get(id)
		if t == nil || t.Config == nil || !t.Config.Unit.StopWhenUnneeded {
			continue
		}
		if !t.ActiveState().IsActiveOrActivating() {
			continue
		}
		if len(m.jobs.Live().UnitJobs(t.ID)) > 0 {
			continue
		}
		pinned := false
		for _, pinID := range m.reg.Graph().GetAtom(t.ID, graph.AtomPinsStopWhenUnneeded) {
			p := m.reg.Get(pinID)
			if p != nil && (p.ActiveState().IsActiveOrActivating() || len(m.jobs.Live().UnitJobs(p.ID)) > 0) {
				pinned = true
				break
			}
		}
		if !pinned {
			m.log.Info().Str("unit", t.ID).Msg("stopping unneeded unit")
			m.hookEnqueueStop(t.ID)
		}
	}
}

func (m *Manager) updateUnitGauges() {
	metrics.UnitsTotal.Reset()
	for _, u := range m.reg.Units() {
		if u.Load != types.LoadLoaded {
			continue
		}
		metrics.UnitsTotal.WithLabelValues(string(u.Kind), string(u.ActiveState())).Inc()
	}
	metrics.JobsPending.Set(float64(len(m.jobs.Live().Jobs())))
}

func kindIndex(k types.UnitKind) uint32 {
	switch k {
	case types.UnitService:
		return 1
	case types.UnitSocket:
		return 2
	case types.UnitTarget:
		return 3
	case types.UnitMount:
		return 4
	case types.UnitPath:
		return 5
	case types.UnitTimer:
		return 6
	default:
		return 0
	}
}
