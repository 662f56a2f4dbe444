package job

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unit"
)

// Engine accepts (unit, kind, mode) requests, plans them into conflict
// free transactions, merges them into the live job table and drives the
// run queue against the unit state machines.
type Engine struct {
	reg  *unit.Registry
	live *Table
	log  zerolog.Logger

	// OnFinished observes every job completion: the manager publishes
	// events, updates metrics, answers waiting clients and persists.
	OnFinished func(j *Job, result types.JobResult)
	// OnChanged observes job additions and stage transitions for
	// persistence.
	OnChanged func(j *Job, removed bool)
}

// NewEngine creates a job engine over the registry.
func NewEngine(reg *unit.Registry) *Engine {
	return &Engine{
		reg:  reg,
		live: NewTable(),
		log:  log.WithComponent("job-engine"),
	}
}

// Live exposes the live job table for status queries and persistence.
func (e *Engine) Live() *Table { return e.live }

// Exec plans and commits one request. On success the anchor job is
// returned; on any failure the stage is discarded with no partial effects.
func (e *Engine) Exec(unitID string, kind types.JobKind, mode types.JobMode, force bool) (*Job, error) {
	u, err := e.reg.GetOrCreate(unitID)
	if err != nil {
		return nil, err
	}
	e.reg.DrainLoadQueue()

	if kind != types.JobStop {
		if err := u.CanStart(); err != nil {
			return nil, err
		}
	} else {
		if err := u.CanStop(force); err != nil {
			return nil, err
		}
		if u.Load == types.LoadNotFound {
			return nil, types.NewError(types.ErrNotFound, unitID)
		}
	}

	stage := NewTable()
	if err := e.transExpand(stage, e.reg, unitID, kind, mode); err != nil {
		return nil, err
	}
	if err := e.transAffect(stage, e.reg, unitID, mode); err != nil {
		return nil, err
	}
	if mode == types.JobModeFlush {
		for _, unitID := range e.live.Units() {
			for _, lj := range e.live.UnitJobs(unitID) {
				e.finishJob(e.live, lj, types.JobCancelled)
			}
		}
	}
	if err := e.transVerify(stage, e.live, mode); err != nil {
		return nil, err
	}

	added := e.transCommit(stage, e.live)
	for _, j := range added {
		e.log.Debug().
			Str("job_id", j.ID.String()).
			Str("unit", j.Unit).
			Str("kind", string(j.Kind)).
			Str("mode", string(j.Mode)).
			Msg("job committed")
		if e.OnChanged != nil {
			e.OnChanged(j, false)
		}
	}

	anchor := e.anchor(unitID, added)
	return anchor, nil
}

func (e *Engine) anchor(unitID string, added []*Job) *Job {
	for _, j := range added {
		if j.Unit == unitID {
			return j
		}
	}
	// The request merged into an existing job.
	jobs := e.live.UnitJobs(unitID)
	if len(jobs) > 0 {
		return jobs[0]
	}
	return nil
}

// Restore re-inserts a persisted job into the live table during recovery.
// Jobs restart from Waiting: the unit machines re-derive progress from
// their own persisted state.
func (e *Engine) Restore(j *Job) {
	j.Stage = types.JobWaiting
	if j.runKind == "" {
		j.runKind = j.Kind
	}
	e.live.entry(j.Unit).suspends[j.Kind] = j
}

// RunQueue starts every waiting job whose unit is free and whose ordering
// dependencies are satisfied. It loops until no more jobs become ready in
// a pass, so chains unblock within one call.
func (e *Engine) RunQueue() {
	for {
		progressed := false
		for _, unitID := range e.live.Units() {
			if e.live.Running(unitID) != nil {
				continue
			}
			for _, j := range e.live.UnitJobs(unitID) {
				if j.Stage != types.JobWaiting {
					continue
				}
				if !e.isReady(j) {
					continue
				}
				e.startJob(j)
				progressed = true
				break
			}
		}
		if !progressed {
			return
		}
	}
}

// isReady checks the ordering constraints: a start-side job waits for
// unfinished jobs on its After targets; a stop-side job waits on its
// Before targets.
func (e *Engine) isReady(j *Job) bool {
	atom := graph.AtomAfter
	if j.runKind == types.JobStop {
		atom = graph.AtomBefore
	}
	for _, other := range e.reg.Graph().GetAtom(j.Unit, atom) {
		if len(e.live.UnitJobs(other)) > 0 {
			return false
		}
	}
	return true
}

func (e *Engine) startJob(j *Job) {
	e.live.MarkRunning(j)
	if e.OnChanged != nil {
		e.OnChanged(j, false)
	}
	e.runJobAction(j)
}

// runJobAction invokes the unit state machine for the job's current run
// kind and interprets the immediate outcome; completion otherwise arrives
// later through UnitStateChanged.
func (e *Engine) runJobAction(j *Job) {
	u := e.reg.Get(j.Unit)
	if u == nil {
		e.finishJob(e.live, j, types.JobInvalid)
		return
	}
	active := u.ActiveState()

	switch j.Kind {
	case types.JobNop:
		e.finishJob(e.live, j, types.JobDone)
		return
	case types.JobVerify:
		if active.IsActiveOrActivating() {
			e.finishJob(e.live, j, types.JobDone)
		} else {
			e.finishJob(e.live, j, types.JobFailed)
		}
		return
	case types.JobTryRestart:
		if j.runKind == types.JobStart {
			// Stop phase finished; run the start phase.
			break
		}
		if !active.IsActiveOrActivating() {
			e.finishJob(e.live, j, types.JobDone)
			return
		}
		j.runKind = types.JobStop
	case types.JobRestart:
		if active.IsInactiveOrFailed() {
			j.runKind = types.JobStart
		} else {
			j.runKind = types.JobStop
		}
	case types.JobTryReload:
		if !active.IsActiveOrActivating() {
			e.finishJob(e.live, j, types.JobDone)
			return
		}
		j.runKind = types.JobReload
	case types.JobReloadOrStart:
		if active.IsActiveOrActivating() {
			j.runKind = types.JobReload
		} else {
			j.runKind = types.JobStart
		}
	}

	var err error
	switch j.runKind {
	case types.JobStart:
		err = e.reg.Start(u)
	case types.JobStop:
		err = e.reg.Stop(u)
	case types.JobReload:
		err = e.reg.Reload(u)
	default:
		err = e.reg.Start(u)
	}
	if err != nil {
		res := types.JobResultFor(types.KindOf(err))
		if res == types.JobDone {
			e.finishJob(e.live, j, types.JobDone)
			return
		}
		e.log.Debug().Err(err).
			Str("unit", j.Unit).
			Str("kind", string(j.runKind)).
			Msg("job action rejected")
		e.finishJob(e.live, j, res)
	}
}

// UnitStateChanged feeds an active-state edge back into the engine so the
// running job on that unit can finish or advance phases.
func (e *Engine) UnitStateChanged(u *unit.Unit, from, to types.ActiveState) {
	j := e.live.Running(u.ID)
	if j == nil {
		return
	}
	switch j.runKind {
	case types.JobStart, types.JobReloadOrStart, types.JobVerify:
		switch {
		case to == types.ActiveStateActive:
			e.finishJob(e.live, j, types.JobDone)
		case to == types.ActiveStateFailed:
			e.finishJob(e.live, j, types.JobFailed)
		case to == types.ActiveStateInactive && from != types.ActiveStateInactive:
			switch {
			case u.Service != nil && u.Service.ConditionSkipped:
				// Condition commands said no; the unit never came up.
				e.finishJob(e.live, j, types.JobSkipped)
			case from == types.ActiveStateActivating:
				// A oneshot that ran to completion successfully.
				e.finishJob(e.live, j, types.JobDone)
			default:
				e.finishJob(e.live, j, types.JobFailed)
			}
		}
	case types.JobStop:
		if to.IsInactiveOrFailed() {
			if j.Kind == types.JobRestart || j.Kind == types.JobTryRestart {
				j.runKind = types.JobStart
				e.runJobAction(j)
				return
			}
			e.finishJob(e.live, j, types.JobDone)
		}
	case types.JobReload:
		switch {
		case to == types.ActiveStateActive && from == types.ActiveStateReloading:
			e.finishJob(e.live, j, types.JobDone)
		case to == types.ActiveStateActive:
			e.finishJob(e.live, j, types.JobDone)
		case to.IsInactiveOrFailed():
			e.finishJob(e.live, j, types.JobFailed)
		}
	}
}

// finishJob records a terminal result, removes the job and fires failure
// propagation towards dependents.
func (e *Engine) finishJob(t *Table, j *Job, result types.JobResult) {
	if j.Stage == types.JobEnded {
		return
	}
	j.Stage = types.JobEnded
	j.Result = result
	t.Remove(j)
	e.log.Info().
		Str("job_id", j.ID.String()).
		Str("unit", j.Unit).
		Str("kind", string(j.Kind)).
		Str("result", string(result)).
		Msg("job finished")

	if result == types.JobFailed || result == types.JobTimedOut || result == types.JobAssert {
		e.fallback(j)
	}
	if e.OnChanged != nil {
		e.OnChanged(j, true)
	}
	if e.OnFinished != nil {
		e.OnFinished(j, result)
	}
}

// fallback cancels dependent jobs with result Dependency when a job fails:
// start failures flow along PropagateStartFailure, stop failures along
// PropagateStopFailure.
func (e *Engine) fallback(j *Job) {
	atom := graph.AtomPropagateStartFailure
	if j.runKind == types.JobStop {
		atom = graph.AtomPropagateStopFailure
	}
	for _, other := range e.reg.Graph().GetAtom(j.Unit, atom) {
		for _, dep := range e.live.UnitJobs(other) {
			if dep.Stage == types.JobEnded {
				continue
			}
			if isPositive(dep.Kind) == (atom == graph.AtomPropagateStartFailure) {
				e.finishJob(e.live, dep, types.JobDependency)
			}
		}
	}
}
