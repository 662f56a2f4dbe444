package job

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unit"
)

// transExpand records (unit, kind) into the stage and, when it is new
// work, fires the expansion rules for the kind. Hard pull-ins propagate
// errors except bad-request; soft pull-ins swallow them.
func (e *Engine) transExpand(stage *Table, reg *unit.Registry, unitID string, kind types.JobKind, mode types.JobMode) error {
	j, isNew := stage.RecordSuspend(unitID, kind, mode)
	if !e.transIsExpand(j, isNew, mode) {
		return nil
	}
	switch j.Kind {
	case types.JobStart:
		return e.transExpandStart(stage, reg, unitID, mode)
	case types.JobStop:
		return e.transExpandStop(stage, reg, unitID, types.JobStop, mode)
	case types.JobRestart, types.JobTryRestart:
		if err := e.transExpandStart(stage, reg, unitID, mode); err != nil {
			return err
		}
		return e.transExpandStop(stage, reg, unitID, types.JobRestart, mode)
	case types.JobReload, types.JobTryReload, types.JobReloadOrStart:
		return e.transExpandReload(stage, reg, unitID, mode)
	}
	return nil
}

func (e *Engine) transIsExpand(j *Job, isNew bool, mode types.JobMode) bool {
	if j.Kind == types.JobNop || j.Kind == types.JobVerify {
		return false
	}
	if !isNew {
		return false
	}
	if mode == types.JobModeIgnoreDependencies || mode == types.JobModeIgnoreRequirements {
		return false
	}
	return true
}

func (e *Engine) transExpandStart(stage *Table, reg *unit.Registry, unitID string, mode types.JobMode) error {
	g := reg.Graph()
	for _, other := range g.GetAtom(unitID, graph.AtomPullInStart) {
		if err := e.transExpand(stage, reg, other, types.JobStart, mode); err != nil {
			if types.KindOf(err) != types.ErrActionEBadR {
				return err
			}
		}
	}
	for _, other := range g.GetAtom(unitID, graph.AtomPullInStartIgnored) {
		_ = e.transExpand(stage, reg, other, types.JobStart, mode)
	}
	for _, other := range g.GetAtom(unitID, graph.AtomPullInVerify) {
		if err := e.transExpand(stage, reg, other, types.JobVerify, mode); err != nil {
			if types.KindOf(err) != types.ErrActionEBadR {
				return err
			}
		}
	}
	for _, other := range g.GetAtom(unitID, graph.AtomPullInStop) {
		if err := e.transExpand(stage, reg, other, types.JobStop, mode); err != nil {
			if types.KindOf(err) != types.ErrActionEBadR {
				return err
			}
		}
	}
	for _, other := range g.GetAtom(unitID, graph.AtomPullInStopIgnored) {
		_ = e.transExpand(stage, reg, other, types.JobStop, mode)
	}
	return nil
}

func (e *Engine) transExpandStop(stage *Table, reg *unit.Registry, unitID string, kind types.JobKind, mode types.JobMode) error {
	atom, expandKind := graph.AtomPropagateStop, types.JobStop
	if kind == types.JobRestart {
		atom, expandKind = graph.AtomPropagateRestart, types.JobTryRestart
	}
	for _, other := range reg.Graph().GetAtom(unitID, atom) {
		if err := e.transExpand(stage, reg, other, expandKind, mode); err != nil {
			if types.KindOf(err) != types.ErrActionEBadR {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) transExpandReload(stage *Table, reg *unit.Registry, unitID string, mode types.JobMode) error {
	for _, other := range reg.Graph().GetAtom(unitID, graph.AtomPropagatesReloadTo) {
		_ = e.transExpand(stage, reg, other, types.JobTryReload, mode)
	}
	return nil
}

// transAffect applies the mode side effects after expansion: Isolate stops
// every unit outside the stage, Trigger stops the units triggered by the
// request target.
func (e *Engine) transAffect(stage *Table, reg *unit.Registry, unitID string, mode types.JobMode) error {
	switch mode {
	case types.JobModeIsolate:
		for _, other := range reg.Units() {
			if other.ID == unitID {
				continue
			}
			if other.Config != nil && other.Config.Unit.IgnoreOnIsolate {
				continue
			}
			if !other.ActiveState().IsActiveOrActivating() {
				continue
			}
			if !stage.IsUnitEmpty(other.ID) {
				continue
			}
			_ = e.transExpand(stage, reg, other.ID, types.JobStop, mode)
		}
	case types.JobModeTrigger:
		for _, other := range reg.Graph().GetAtom(unitID, graph.AtomTriggeredBy) {
			_ = e.transExpand(stage, reg, other, types.JobStop, mode)
		}
	}
	return nil
}

// transVerify rejects stages that contradict themselves or destructively
// collide with live jobs under a non-replacing mode.
func (e *Engine) transVerify(stage, live *Table, mode types.JobMode) error {
	if err := transVerifyConflict(stage); err != nil {
		return err
	}
	return transVerifyDestructive(stage, live, mode)
}

// transVerifyConflict checks that no unit holds both a positive and a
// negative suspend inside the stage; merging already ran at record time.
func transVerifyConflict(stage *Table) error {
	for _, unitID := range stage.Units() {
		var pos, neg bool
		for _, j := range stage.UnitJobs(unitID) {
			if isPositive(j.Kind) {
				pos = true
			}
			if j.Kind == types.JobStop {
				neg = true
			}
		}
		if pos && neg {
			return types.NewError(types.ErrJobConflict,
				fmt.Sprintf("transaction holds both start and stop for %s", unitID))
		}
	}
	return nil
}

// transVerifyDestructive compares the stage against the live table. A
// stage job may displace a live job iff the pair merges, or the mode
// replaces and the live job is not irreversible.
func transVerifyDestructive(stage, live *Table, mode types.JobMode) error {
	for _, unitID := range stage.Units() {
		for _, sj := range stage.UnitJobs(unitID) {
			for _, lj := range live.UnitJobs(unitID) {
				if _, ok := mergeKinds(sj.Kind, lj.Kind); ok {
					continue
				}
				switch mode {
				case types.JobModeFail:
					return types.NewError(types.ErrJobDestructive,
						fmt.Sprintf("job %s/%s conflicts with pending %s", unitID, sj.Kind, lj.Kind))
				case types.JobModeReplaceIrreversibly:
					// Displaces anything.
				default:
					if lj.Irreversible {
						return types.NewError(types.ErrJobDestructive,
							fmt.Sprintf("job %s/%s conflicts with irreversible %s", unitID, sj.Kind, lj.Kind))
					}
				}
			}
		}
	}
	return nil
}

// transCommit merges a verified stage into the live table. Displaced live
// jobs finish with result Cancelled (or Merged when the kinds merged).
func (e *Engine) transCommit(stage, live *Table) []*Job {
	var added []*Job
	for _, unitID := range stage.Units() {
		for _, sj := range stage.UnitJobs(unitID) {
			for _, lj := range live.UnitJobs(unitID) {
				if merged, ok := mergeKinds(sj.Kind, lj.Kind); ok && lj.Stage == types.JobWaiting {
					sj.Kind = merged
					sj.runKind = merged
					e.finishJob(live, lj, types.JobMerged)
				} else {
					e.finishJob(live, lj, types.JobCancelled)
				}
			}
			le := live.entry(unitID)
			le.suspends[sj.Kind] = sj
			added = append(added, sj)
		}
	}
	return added
}
