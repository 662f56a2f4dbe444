package manager

import (
	"github.com/cuemby/burrow/pkg/command"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/job"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unit"
)

// handleCommand runs on the connection goroutine: monitor subscriptions
// stream straight off the broker; everything else round-trips through the
// loop so core state is only touched single-threaded.
func (m *Manager) handleCommand(req command.Request, stream func(command.EventRecord) error) command.Response {
	if req.Op == command.OpMonitor {
		sub := m.broker.Subscribe()
		defer m.broker.Unsubscribe(sub)
		for ev := range sub {
			rec := command.EventRecord{Type: string(ev.Type), Unit: ev.Unit, Message: ev.Message}
			if err := stream(rec); err != nil {
				break
			}
		}
		return command.Response{OK: true}
	}
	cr := &commandReq{req: req, resp: make(chan command.Response, 1)}
	m.eventCh <- loopEvent{kind: evCommand, cmd: cr}
	return <-cr.resp
}

func (m *Manager) dispatchCommand(cr *commandReq) {
	req := cr.req
	switch req.Op {
	case command.OpStart, command.OpStop, command.OpRestart, command.OpReload, command.OpIsolate:
		m.dispatchJobCommand(cr)
	case command.OpStatus:
		u := m.reg.Get(req.Unit)
		if u == nil {
			if created, err := m.reg.GetOrCreate(req.Unit); err == nil {
				m.reg.DrainLoadQueue()
				u = created
			}
		}
		if u == nil {
			cr.resp <- command.Response{OK: false, Error: "unit not found: " + req.Unit}
			return
		}
		cr.resp <- command.Response{OK: true, Units: []command.UnitStatus{m.unitStatus(u)}}
	case command.OpListUnits:
		resp := command.Response{OK: true}
		for _, u := range m.reg.Units() {
			if u.Load == types.LoadStub {
				continue
			}
			resp.Units = append(resp.Units, m.unitStatus(u))
		}
		cr.resp <- resp
	case command.OpListJobs:
		resp := command.Response{OK: true}
		for _, j := range m.jobs.Live().Jobs() {
			resp.Jobs = append(resp.Jobs, command.JobStatus{
				ID:    j.ID.String(),
				Unit:  j.Unit,
				Kind:  string(j.Kind),
				Stage: string(j.Stage),
			})
		}
		cr.resp <- resp
	case command.OpDaemonReload:
		m.reloadFlag = true
		cr.resp <- command.Response{OK: true}
	case command.OpDaemonReexec:
		m.reexecFlag = true
		cr.resp <- command.Response{OK: true}
	default:
		cr.resp <- command.Response{OK: false, Error: "unknown operation"}
	}
}

func (m *Manager) dispatchJobCommand(cr *commandReq) {
	req := cr.req
	kind := types.JobStart
	mode := types.JobModeReplace
	switch req.Op {
	case command.OpStop:
		kind = types.JobStop
	case command.OpRestart:
		kind = types.JobRestart
	case command.OpReload:
		kind = types.JobReload
	case command.OpIsolate:
		mode = types.JobModeIsolate
	}
	if req.Mode != "" {
		mode = types.JobMode(req.Mode)
	}
	j, err := m.enqueue(req.Unit, kind, mode, req.Force)
	if err != nil {
		cr.resp <- command.Response{OK: false, Error: err.Error()}
		return
	}
	if j == nil || j.Stage == types.JobEnded {
		result := types.JobDone
		if j != nil {
			result = j.Result
		}
		cr.resp <- command.Response{OK: jobResultOK(result), Result: string(result)}
		return
	}
	// Answer once the job reaches a terminal result.
	m.waiters[j.ID.String()] = cr.resp
}

func (m *Manager) jobFinished(j *job.Job, result types.JobResult) {
	metrics.JobsFinishedTotal.WithLabelValues(string(result)).Inc()
	m.broker.Publish(events.New(events.EventJobFinished, j.Unit, string(j.Kind)+": "+string(result)))
	if ch, ok := m.waiters[j.ID.String()]; ok {
		delete(m.waiters, j.ID.String())
		ch <- command.Response{OK: jobResultOK(result), Result: string(result)}
	}
}

func jobResultOK(result types.JobResult) bool {
	switch result {
	case types.JobDone, types.JobSkipped, types.JobMerged, types.JobOnce:
		return true
	}
	return false
}

func (m *Manager) unitStatus(u *unit.Unit) command.UnitStatus {
	st := command.UnitStatus{
		ID:          u.ID,
		Description: u.Description(),
		LoadState:   string(u.Load),
		ActiveState: string(u.ActiveState()),
		SubState:    u.SubState(),
	}
	if u.Service != nil {
		st.MainPID = u.Service.MainPID
		st.StatusText = u.Service.StatusText
	}
	return st
}
