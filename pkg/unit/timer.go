package unit

import (
	"time"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
	"github.com/robfig/cron/v3"
)

// TimerData is the timer machine's state. OnCalendar schedules are parsed
// with the cron expression parser; monotonic directives are plain
// durations.
type TimerData struct {
	State  types.TimerState
	Result types.ServiceResult

	schedules       []cron.Schedule
	onBootSec       time.Duration
	onUnitActiveSec time.Duration

	bootFired  bool
	NextElapse time.Time
}

var calendarParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func newTimerData(cfg *unitfile.Config) *TimerData {
	td := &TimerData{
		State:           types.TimerDead,
		Result:          types.ResultSuccess,
		onBootSec:       cfg.Timer.OnBootSec,
		onUnitActiveSec: cfg.Timer.OnUnitActiveSec,
	}
	for _, expr := range cfg.Timer.OnCalendar {
		sched, err := calendarParser.Parse(expr)
		if err != nil {
			continue
		}
		td.schedules = append(td.schedules, sched)
	}
	return td
}

func (td *TimerData) nextElapse(now time.Time) (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if t.IsZero() || !t.After(now) {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, s := range td.schedules {
		consider(s.Next(now))
	}
	if td.onBootSec > 0 && !td.bootFired {
		consider(now.Add(td.onBootSec))
	}
	if td.onUnitActiveSec > 0 {
		consider(now.Add(td.onUnitActiveSec))
	}
	return next, !next.IsZero()
}

func (r *Registry) setTimerState(u *Unit, state types.TimerState) {
	old := u.ActiveState()
	u.Timer.State = state
	r.setState(u, old)
}

func (r *Registry) timerStart(u *Unit) error {
	td := u.Timer
	if td == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no timer data")
	}
	if td.State == types.TimerWaiting || td.State == types.TimerRunning {
		return types.NewError(types.ErrActionEAlready, u.ID+" is already armed")
	}
	td.Result = types.ResultSuccess
	now := r.Now()
	next, ok := td.nextElapse(now)
	if !ok {
		td.Result = types.ResultFailureResources
		r.setTimerState(u, types.TimerFailed)
		return types.NewError(types.ErrActionEFailed, u.ID+" has no future elapse point")
	}
	td.NextElapse = next
	r.setTimerState(u, types.TimerWaiting)
	r.hooks.ArmTimer(u, next.Sub(now))
	return nil
}

func (r *Registry) timerStop(u *Unit) error {
	td := u.Timer
	if td == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no timer data")
	}
	if td.State == types.TimerDead || td.State == types.TimerFailed {
		return types.NewError(types.ErrActionEAlready, u.ID+" is not armed")
	}
	r.hooks.StopTimer(u)
	r.setTimerState(u, types.TimerDead)
	return nil
}

func (r *Registry) timerElapsed(u *Unit) {
	td := u.Timer
	if td == nil || td.State != types.TimerWaiting {
		return
	}
	td.bootFired = true
	for _, target := range r.graph.GetAtom(u.ID, graph.AtomTriggers) {
		r.log.Info().Str("unit", u.ID).Str("target", target).Msg("timer activation")
		r.hooks.EnqueueStart(target, true)
	}
	now := r.Now()
	if next, ok := td.nextElapse(now); ok {
		td.NextElapse = next
		r.setTimerState(u, types.TimerRunning)
		r.hooks.ArmTimer(u, next.Sub(now))
		r.setTimerState(u, types.TimerWaiting)
		return
	}
	r.setTimerState(u, types.TimerElapsed)
}
