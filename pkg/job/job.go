package job

import (
	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/types"
)

// Job is one planned or running action on one unit.
type Job struct {
	ID     uuid.UUID       `msgpack:"id"`
	Unit   string          `msgpack:"unit"`
	Kind   types.JobKind   `msgpack:"kind"`
	Mode   types.JobMode   `msgpack:"mode"`
	Stage  types.JobStage  `msgpack:"stage"`
	Result types.JobResult `msgpack:"result"`

	// Irreversible marks jobs enqueued with ReplaceIrreversibly; they can
	// only be displaced by another irreversible request.
	Irreversible bool `msgpack:"irreversible"`

	// runKind is the phase a Restart-family job currently executes
	// (stop, then start). For other kinds it equals Kind.
	runKind types.JobKind
}

// newID returns a fresh 128-bit monotonic job id. UUIDv7 is time-ordered,
// so ids sort by creation.
func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source is broken; that is not
		// a survivable condition for the planner.
		panic(err)
	}
	return id
}

// isPositive reports whether the kind moves the unit towards being up.
func isPositive(k types.JobKind) bool {
	switch k {
	case types.JobStart, types.JobReload, types.JobRestart, types.JobTryRestart,
		types.JobTryReload, types.JobReloadOrStart, types.JobVerify:
		return true
	}
	return false
}

// mergeKinds returns the kind resulting from merging two suspended jobs on
// the same unit, if the pair is mergeable: start+restart is restart,
// stop+restart is stop, start+verify is start, equal kinds collapse, and
// Nop yields to anything.
func mergeKinds(a, b types.JobKind) (types.JobKind, bool) {
	if a == b {
		return a, true
	}
	if a == types.JobNop {
		return b, true
	}
	if b == types.JobNop {
		return a, true
	}
	pair := func(x, y types.JobKind) bool {
		return (a == x && b == y) || (a == y && b == x)
	}
	switch {
	case pair(types.JobStart, types.JobVerify):
		return types.JobStart, true
	case pair(types.JobStart, types.JobRestart):
		return types.JobRestart, true
	case pair(types.JobStart, types.JobTryRestart):
		return types.JobRestart, true
	case pair(types.JobStop, types.JobRestart):
		return types.JobStop, true
	case pair(types.JobStop, types.JobTryRestart):
		return types.JobStop, true
	case pair(types.JobRestart, types.JobTryRestart):
		return types.JobRestart, true
	case pair(types.JobReload, types.JobTryReload):
		return types.JobReload, true
	case pair(types.JobReload, types.JobStart):
		return types.JobReloadOrStart, true
	case pair(types.JobVerify, types.JobReload):
		return types.JobReload, true
	}
	return "", false
}
