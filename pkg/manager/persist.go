package manager

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/job"
	"github.com/cuemby/burrow/pkg/reliability"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unit"
)

// Reliability table names. One bucket per table in the current arena.
const (
	tableUnitBase   = "unit-base"
	tableUnitState  = "unit-state"
	tableUnitCgroup = "unit-cgroup"
	tableUnitDep    = "unit-dep"
	tablePids       = "pids"
	tableJobs       = "jobs"
)

type unitBaseRec struct {
	Kind string `msgpack:"kind"`
	Load string `msgpack:"load"`
}

type unitStateRec struct {
	Sub        string `msgpack:"sub"`
	Result     string `msgpack:"result"`
	MainPID    int    `msgpack:"main_pid"`
	ControlPID int    `msgpack:"control_pid"`
}

type jobRec struct {
	Unit         string `msgpack:"unit"`
	Kind         string `msgpack:"kind"`
	Mode         string `msgpack:"mode"`
	Irreversible bool   `msgpack:"irreversible"`
}

func (m *Manager) persistUnit(u *unit.Unit) {
	base := m.reli.Table(tableUnitBase)
	state := m.reli.Table(tableUnitState)
	cg := m.reli.Table(tableUnitCgroup)
	dep := m.reli.Table(tableUnitDep)

	if u.Load == types.LoadStub {
		return
	}
	_ = base.Insert(u.ID, unitBaseRec{Kind: string(u.Kind), Load: string(u.Load)})

	rec := unitStateRec{Sub: u.SubState()}
	switch {
	case u.Service != nil:
		rec.Result = string(u.Service.Result)
		rec.MainPID = u.Service.MainPID
		rec.ControlPID = u.Service.ControlPID
	case u.Mount != nil:
		rec.Result = string(u.Mount.Result)
		rec.ControlPID = u.Mount.ControlPID
	case u.Socket != nil:
		rec.Result = string(u.Socket.Result)
		rec.ControlPID = u.Socket.ControlPID
	}
	_ = state.Insert(u.ID, rec)

	if u.CgroupPath != "" {
		_ = cg.Insert(u.ID, u.CgroupPath)
	}
	if edges := m.reg.Graph().Edges(u.ID); len(edges) > 0 {
		_ = dep.Insert(u.ID, edges)
	}
}

func (m *Manager) persistPids() {
	t := m.reli.Table(tablePids)
	live := m.reg.Pids()
	for _, key := range t.Keys() {
		pid, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if _, ok := live[pid]; !ok {
			_ = t.Remove(key)
		}
	}
	for pid, id := range live {
		_ = t.Insert(strconv.Itoa(pid), id)
	}
}

func (m *Manager) jobChanged(j *job.Job, removed bool) {
	t := m.reli.Table(tableJobs)
	if removed {
		_ = t.Remove(j.ID.String())
		return
	}
	_ = t.Insert(j.ID.String(), jobRec{
		Unit:         j.Unit,
		Kind:         string(j.Kind),
		Mode:         string(j.Mode),
		Irreversible: j.Irreversible,
	})
}

// unitStation replays unit state through the recovery sequence.
type unitStation struct {
	m *Manager
}

func (s *unitStation) InputRebuild() {}

func (s *unitStation) DbCompensate(frame reliability.Frame, hasFrame bool, lastUnit string) {
	if !hasFrame {
		return
	}
	switch frame.F1 {
	case FrameSigchld:
		// An exit was being dispatched; reap again so nothing is lost.
		s.m.reap()
	case FrameUnit:
		s.m.log.Info().
			Str("unit", lastUnit).
			Msg("spawn was in flight across the crash; pid table decides ownership")
	}
}

func (s *unitStation) DbMap(reload bool) {
	m := s.m
	base := m.reli.Table(tableUnitBase)
	state := m.reli.Table(tableUnitState)
	cg := m.reli.Table(tableUnitCgroup)
	pids := m.reli.Table(tablePids)

	for _, id := range base.Keys() {
		if _, err := m.reg.GetOrCreate(id); err != nil {
			m.log.Warn().Err(err).Str("unit", id).Msg("persisted unit has invalid name")
		}
	}
	m.reg.DrainLoadQueue()

	for _, id := range base.Keys() {
		u := m.reg.Get(id)
		if u == nil || !u.Loaded() {
			continue
		}
		var rec unitStateRec
		if ok, _ := state.Get(id, &rec); ok {
			applyRecordedState(u, rec)
		}
		var cgPath string
		if ok, _ := cg.Get(id, &cgPath); ok {
			u.CgroupPath = cgPath
		}
	}

	for _, key := range pids.Keys() {
		pid, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		var id string
		if ok, _ := pids.Get(key, &id); ok {
			m.reg.AttachPid(pid, id)
		}
	}

	m.coldplug()
}

// applyRecordedState overlays the persisted sub-state onto a freshly
// loaded unit.
func applyRecordedState(u *unit.Unit, rec unitStateRec) {
	switch {
	case u.Service != nil:
		u.Service.State = types.ServiceState(rec.Sub)
		u.Service.Result = types.ServiceResult(rec.Result)
		u.Service.MainPID = rec.MainPID
		u.Service.ControlPID = rec.ControlPID
	case u.Mount != nil:
		u.Mount.State = types.MountState(rec.Sub)
		u.Mount.Result = types.ServiceResult(rec.Result)
		u.Mount.ControlPID = rec.ControlPID
	case u.Socket != nil:
		u.Socket.State = types.SocketState(rec.Sub)
		u.Socket.Result = types.ServiceResult(rec.Result)
		u.Socket.ControlPID = rec.ControlPID
	case u.Target != nil:
		u.Target.Active = rec.Sub == "active"
	case u.Path != nil:
		u.Path.State = types.PathState(rec.Sub)
	case u.Timer != nil:
		u.Timer.State = types.TimerState(rec.Sub)
	}
}

// coldplug re-establishes runtime surfaces for units restored into live
// states: watchdog timers, socket fds, timer elapses.
func (m *Manager) coldplug() {
	for _, u := range m.reg.Units() {
		switch {
		case u.Service != nil:
			if u.Service.State == types.ServiceRunning && u.Config.Service.WatchdogSec > 0 {
				m.hookArmTimer(u, u.Config.Service.WatchdogSec)
			}
		case u.Socket != nil:
			if u.Socket.State == types.SocketListening || u.Socket.State == types.SocketRunning {
				var fds []unit.ListenFd
				for {
					fd := m.reli.FdTake(u.ID)
					if fd < 0 {
						break
					}
					fds = append(fds, unit.ListenFd{Fd: fd, Name: u.ID})
				}
				m.reg.RestoreSocket(u, fds)
			}
		case u.Timer != nil:
			if u.Timer.State == types.TimerWaiting {
				// Re-derive the elapse point; the persisted one is gone.
				u.Timer.State = types.TimerDead
				if err := m.reg.Start(u); err != nil {
					m.log.Debug().Err(err).Str("unit", u.ID).Msg("cannot re-arm timer")
				}
			}
		}
	}
}

func (s *unitStation) MakeConsistent() {
	m := s.m
	// Drop attributions for pids that did not survive, synthesizing the
	// exit the machine missed.
	for pid, id := range m.reg.Pids() {
		alive, err := process.PidExists(int32(pid))
		if err == nil && alive {
			continue
		}
		m.log.Info().
			Int("pid", pid).
			Str("unit", id).
			Msg("tracked pid vanished across restart")
		m.reg.SigChld(pid, 0, unix.SIGKILL, false)
	}
	m.persistPids()
}

// jobStation restores the live job table and compensates the interrupted
// transition.
type jobStation struct {
	m *Manager
}

func (s *jobStation) InputRebuild() {}

func (s *jobStation) DbCompensate(frame reliability.Frame, hasFrame bool, lastUnit string) {
	if !hasFrame || frame.F1 != FrameJob || lastUnit == "" {
		return
	}
	// The interrupted transition re-runs automatically: the job for the
	// last unit was restored to Waiting and the run queue re-issues it.
	s.m.log.Info().
		Str("unit", lastUnit).
		Msg("job operation was interrupted; re-running through the queue")
}

func (s *jobStation) DbMap(reload bool) {
	m := s.m
	t := m.reli.Table(tableJobs)
	for _, key := range t.Keys() {
		var rec jobRec
		ok, err := t.Get(key, &rec)
		if !ok || err != nil {
			continue
		}
		id, err := uuid.Parse(key)
		if err != nil {
			continue
		}
		m.jobs.Restore(&job.Job{
			ID:           id,
			Unit:         rec.Unit,
			Kind:         types.JobKind(rec.Kind),
			Mode:         types.JobMode(rec.Mode),
			Stage:        types.JobWaiting,
			Irreversible: rec.Irreversible,
		})
	}
}

func (s *jobStation) MakeConsistent() {}
