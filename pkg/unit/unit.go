package unit

import (
	"os"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
)

// Unit is the fundamental managed entity.
type Unit struct {
	ID   string
	Kind types.UnitKind

	Load      types.LoadState
	Config    *unitfile.Config
	Located   *unitfile.Located
	Transient bool

	RefCnt     int
	CgroupPath string

	// Kind-specific machine data; exactly one is non-nil once loaded.
	Service *ServiceData
	Mount   *MountData
	Socket  *SocketData
	Target  *TargetData
	Path    *PathData
	Timer   *TimerData

	// Ring of recent start timestamps for the start rate limiter.
	starts []time.Time
}

// ActiveState projects the unit's kind-specific sub-state onto the shared
// active-state vocabulary.
func (u *Unit) ActiveState() types.ActiveState {
	switch {
	case u.Load == types.LoadMasked, u.Load == types.LoadNotFound, u.Load == types.LoadStub:
		return types.ActiveStateInactive
	case u.Service != nil:
		return u.Service.State.ActiveState()
	case u.Mount != nil:
		return u.Mount.State.ActiveState()
	case u.Socket != nil:
		return u.Socket.State.ActiveState()
	case u.Target != nil:
		if u.Target.Active {
			return types.ActiveStateActive
		}
		return types.ActiveStateInactive
	case u.Path != nil:
		return u.Path.State.ActiveState()
	case u.Timer != nil:
		return u.Timer.State.ActiveState()
	}
	return types.ActiveStateInactive
}

// SubState names the kind-specific detail state.
func (u *Unit) SubState() string {
	switch {
	case u.Service != nil:
		return string(u.Service.State)
	case u.Mount != nil:
		return string(u.Mount.State)
	case u.Socket != nil:
		return string(u.Socket.State)
	case u.Target != nil:
		if u.Target.Active {
			return "active"
		}
		return "dead"
	case u.Path != nil:
		return string(u.Path.State)
	case u.Timer != nil:
		return string(u.Timer.State)
	}
	return "dead"
}

// Loaded reports whether configuration parsing completed.
func (u *Unit) Loaded() bool {
	return u.Load == types.LoadLoaded
}

// Description returns the configured description, or the id.
func (u *Unit) Description() string {
	if u.Config != nil && u.Config.Unit.Description != "" {
		return u.Config.Unit.Description
	}
	return u.ID
}

// startLimit returns the configured start rate limit.
func (u *Unit) startLimit() types.StartLimit {
	if u.Config == nil {
		return types.StartLimit{Interval: 10 * time.Second, Burst: 5}
	}
	return types.StartLimit{
		Interval: u.Config.Unit.StartLimitInterval,
		Burst:    u.Config.Unit.StartLimitBurst,
	}
}

// StartLimitTest records one counted start attempt and reports whether
// the rate limit still permits it. The service machine counts only
// auto-restarts, so Burst=N permits N restarts inside the interval; the
// initial start never draws from the budget. now is injectable for tests.
func (u *Unit) StartLimitTest(now time.Time) bool {
	lim := u.startLimit()
	if lim.Burst == 0 {
		return true
	}
	cut := now.Add(-lim.Interval)
	kept := u.starts[:0]
	for _, t := range u.starts {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	u.starts = kept
	if uint32(len(u.starts)) >= lim.Burst {
		return false
	}
	u.starts = append(u.starts, now)
	return true
}

// ResetStartLimit clears the rate limiter ring.
func (u *Unit) ResetStartLimit() {
	u.starts = nil
}

// conditionResult is the outcome of evaluating conditions and asserts.
type conditionResult int

const (
	conditionsMet conditionResult = iota
	conditionFailed
	assertFailed
)

// CheckConditions evaluates ConditionPathExists and AssertPathExists. A
// leading "!" negates a path test.
func (u *Unit) CheckConditions() conditionResult {
	if u.Config == nil {
		return conditionsMet
	}
	test := func(spec string) bool {
		negate := strings.HasPrefix(spec, "!")
		p := strings.TrimPrefix(spec, "!")
		_, err := os.Stat(p)
		exists := err == nil
		if negate {
			return !exists
		}
		return exists
	}
	for _, spec := range u.Config.Unit.AssertPathExists {
		if !test(spec) {
			return assertFailed
		}
	}
	for _, spec := range u.Config.Unit.ConditionPathExists {
		if !test(spec) {
			return conditionFailed
		}
	}
	return conditionsMet
}

// CanStart reports whether a manual start is permitted.
func (u *Unit) CanStart() error {
	if u.Load == types.LoadMasked {
		return types.NewError(types.ErrRefuseManualStart, u.ID+" is masked")
	}
	if u.Load != types.LoadLoaded {
		return types.NewError(types.ErrActionEBadR, u.ID+" is not loaded")
	}
	if u.Config != nil && u.Config.Unit.RefuseManualStart {
		return types.NewError(types.ErrRefuseManualStart, u.ID)
	}
	return nil
}

// CanStop reports whether a manual stop is permitted. force bypasses the
// RefuseManualStop check.
func (u *Unit) CanStop(force bool) error {
	if force {
		return nil
	}
	if u.Config != nil && u.Config.Unit.RefuseManualStop {
		return types.NewError(types.ErrRefuseManualStop, u.ID)
	}
	return nil
}
