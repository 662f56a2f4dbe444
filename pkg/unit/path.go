package unit

import (
	"os"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
)

type pathWatchKind int

const (
	watchExists pathWatchKind = iota
	watchChanged
	watchDirNotEmpty
)

type pathWatch struct {
	kind pathWatchKind
	path string

	fired     bool
	lastMtime int64
	lastSize  int64
}

// PathData is the path machine's state. Watches are evaluated by the
// manager's periodic tick, the same cadence as the mountinfo poller.
type PathData struct {
	State   types.PathState
	Result  types.ServiceResult
	watches []*pathWatch
}

func newPathData(cfg *unitfile.Config) *PathData {
	pd := &PathData{State: types.PathDead, Result: types.ResultSuccess}
	for _, p := range cfg.Path.PathExists {
		pd.watches = append(pd.watches, &pathWatch{kind: watchExists, path: p})
	}
	for _, p := range cfg.Path.PathChanged {
		pd.watches = append(pd.watches, &pathWatch{kind: watchChanged, path: p})
	}
	for _, p := range cfg.Path.DirectoryNotEmpty {
		pd.watches = append(pd.watches, &pathWatch{kind: watchDirNotEmpty, path: p})
	}
	return pd
}

func (r *Registry) setPathState(u *Unit, state types.PathState) {
	old := u.ActiveState()
	u.Path.State = state
	r.setState(u, old)
}

func (r *Registry) pathStart(u *Unit) error {
	pd := u.Path
	if pd == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no path data")
	}
	if pd.State == types.PathWaiting || pd.State == types.PathRunning {
		return types.NewError(types.ErrActionEAlready, u.ID+" is already watching")
	}
	pd.Result = types.ResultSuccess
	for _, w := range pd.watches {
		w.fired = false
		if w.kind == watchChanged {
			if fi, err := os.Stat(w.path); err == nil {
				w.lastMtime = fi.ModTime().UnixNano()
				w.lastSize = fi.Size()
			}
		}
	}
	r.setPathState(u, types.PathWaiting)
	return nil
}

func (r *Registry) pathStop(u *Unit) error {
	pd := u.Path
	if pd == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no path data")
	}
	if pd.State == types.PathDead || pd.State == types.PathFailed {
		return types.NewError(types.ErrActionEAlready, u.ID+" is not watching")
	}
	r.setPathState(u, types.PathDead)
	return nil
}

// PathCheck evaluates the unit's watches once; a freshly satisfied watch
// triggers the target unit.
func (r *Registry) PathCheck(u *Unit) {
	pd := u.Path
	if pd == nil || (pd.State != types.PathWaiting && pd.State != types.PathRunning) {
		return
	}
	trigger := false
	for _, w := range pd.watches {
		switch w.kind {
		case watchExists:
			if _, err := os.Stat(w.path); err == nil {
				if !w.fired {
					w.fired = true
					trigger = true
				}
			} else {
				w.fired = false
			}
		case watchChanged:
			if fi, err := os.Stat(w.path); err == nil {
				m, s := fi.ModTime().UnixNano(), fi.Size()
				if m != w.lastMtime || s != w.lastSize {
					w.lastMtime, w.lastSize = m, s
					trigger = true
				}
			}
		case watchDirNotEmpty:
			entries, err := os.ReadDir(w.path)
			nonEmpty := err == nil && len(entries) > 0
			if nonEmpty && !w.fired {
				w.fired = true
				trigger = true
			} else if !nonEmpty {
				w.fired = false
			}
		}
	}
	if trigger {
		for _, target := range r.graph.GetAtom(u.ID, graph.AtomTriggers) {
			r.log.Info().Str("unit", u.ID).Str("target", target).Msg("path activation")
			r.hooks.EnqueueStart(target, true)
		}
		r.setPathState(u, types.PathRunning)
	}
}

// PathTriggeredUnitChanged lets a path fall back to waiting once its
// target goes down again.
func (r *Registry) PathTriggeredUnitChanged(u *Unit, targetActive types.ActiveState) {
	pd := u.Path
	if pd == nil {
		return
	}
	if pd.State == types.PathRunning && targetActive.IsInactiveOrFailed() {
		r.setPathState(u, types.PathWaiting)
	}
}
