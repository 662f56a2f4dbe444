package unit

import "github.com/cuemby/burrow/pkg/types"

// TargetData is the target machine's state: targets are pure
// synchronization points with no processes of their own.
type TargetData struct {
	Active bool
}

func (r *Registry) targetStart(u *Unit) error {
	if u.Target == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no target data")
	}
	if u.Target.Active {
		return types.NewError(types.ErrActionEAlready, u.ID+" is already active")
	}
	old := u.ActiveState()
	u.Target.Active = true
	r.setState(u, old)
	return nil
}

func (r *Registry) targetStop(u *Unit) error {
	if u.Target == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no target data")
	}
	if !u.Target.Active {
		return types.NewError(types.ErrActionEAlready, u.ID+" is already inactive")
	}
	old := u.ActiveState()
	u.Target.Active = false
	r.setState(u, old)
	return nil
}
