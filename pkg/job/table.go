package job

import (
	"sort"

	"github.com/cuemby/burrow/pkg/types"
)

type unitEntry struct {
	suspends map[types.JobKind]*Job
	running  *Job
}

// Table holds jobs keyed by unit: suspended (waiting) jobs plus at most
// one running job per unit. Both the live job table and transaction
// stages are Tables.
type Table struct {
	entries map[string]*unitEntry
}

// NewTable creates an empty job table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*unitEntry)}
}

func (t *Table) entry(unit string) *unitEntry {
	e, ok := t.entries[unit]
	if !ok {
		e = &unitEntry{suspends: make(map[types.JobKind]*Job)}
		t.entries[unit] = e
	}
	return e
}

// RecordSuspend adds a job for (unit, kind), merging with an existing
// suspend when the pair is mergeable. It returns the resulting job and
// whether it represents new work that still needs dependency expansion.
func (t *Table) RecordSuspend(unit string, kind types.JobKind, mode types.JobMode) (*Job, bool) {
	e := t.entry(unit)
	for k, j := range e.suspends {
		merged, ok := mergeKinds(k, kind)
		if !ok {
			continue
		}
		if merged == k {
			return j, false
		}
		delete(e.suspends, k)
		j.Kind = merged
		j.runKind = merged
		e.suspends[merged] = j
		return j, true
	}
	j := &Job{
		ID:           newID(),
		Unit:         unit,
		Kind:         kind,
		Mode:         mode,
		Stage:        types.JobWaiting,
		Irreversible: mode == types.JobModeReplaceIrreversibly,
		runKind:      kind,
	}
	e.suspends[kind] = j
	return j, true
}

// IsUnitEmpty reports whether the table holds no jobs for unit.
func (t *Table) IsUnitEmpty(unit string) bool {
	e, ok := t.entries[unit]
	if !ok {
		return true
	}
	return len(e.suspends) == 0 && e.running == nil
}

// UnitJobs returns every job for unit: suspends plus the running job.
func (t *Table) UnitJobs(unit string) []*Job {
	e, ok := t.entries[unit]
	if !ok {
		return nil
	}
	var out []*Job
	for _, j := range e.suspends {
		out = append(out, j)
	}
	if e.running != nil {
		out = append(out, e.running)
	}
	return out
}

// Running returns the running job for unit, or nil.
func (t *Table) Running(unit string) *Job {
	e, ok := t.entries[unit]
	if !ok {
		return nil
	}
	return e.running
}

// Units returns every unit with at least one job, sorted.
func (t *Table) Units() []string {
	out := make([]string, 0, len(t.entries))
	for unit, e := range t.entries {
		if len(e.suspends) > 0 || e.running != nil {
			out = append(out, unit)
		}
	}
	sort.Strings(out)
	return out
}

// Jobs returns every job in the table, ordered by unit then id.
func (t *Table) Jobs() []*Job {
	var out []*Job
	for _, unit := range t.Units() {
		jobs := t.UnitJobs(unit)
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID.String() < jobs[j].ID.String() })
		out = append(out, jobs...)
	}
	return out
}

// Remove drops a job from the table.
func (t *Table) Remove(j *Job) {
	e, ok := t.entries[j.Unit]
	if !ok {
		return
	}
	if e.running == j {
		e.running = nil
	}
	for k, s := range e.suspends {
		if s == j {
			delete(e.suspends, k)
		}
	}
	if len(e.suspends) == 0 && e.running == nil {
		delete(t.entries, j.Unit)
	}
}

// MarkRunning promotes a suspended job to the unit's running slot.
func (t *Table) MarkRunning(j *Job) {
	e := t.entry(j.Unit)
	for k, s := range e.suspends {
		if s == j {
			delete(e.suspends, k)
		}
	}
	j.Stage = types.JobRunning
	e.running = j
}
