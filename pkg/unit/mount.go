package unit

import (
	"syscall"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
)

// Mount and umount binaries; variables so tests can point them elsewhere.
var (
	MountBin  = "/bin/mount"
	UmountBin = "/bin/umount"
)

// MountData is the mount machine's mutable state. Transitions are driven
// by child exit of mount/umount and by /proc/self/mountinfo change events.
type MountData struct {
	State      types.MountState
	Result     types.ServiceResult
	ControlPID int
}

func newMountData(cfg *unitfile.Config) *MountData {
	return &MountData{State: types.MountDead, Result: types.ResultSuccess}
}

// Where returns the mount point this unit manages.
func (u *Unit) Where() string {
	if u.Config == nil {
		return ""
	}
	return u.Config.Mount.Where
}

func (r *Registry) setMountState(u *Unit, state types.MountState) {
	old := u.ActiveState()
	u.Mount.State = state
	r.setState(u, old)
}

func (r *Registry) mountStart(u *Unit) error {
	md := u.Mount
	if md == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no mount data")
	}
	switch md.State {
	case types.MountUnmounting, types.MountUnmountingSigterm, types.MountUnmountingSigkill:
		return types.NewError(types.ErrActionEAgain, u.ID+" is unmounting")
	case types.MountMounting, types.MountMountingDone:
		return types.NewError(types.ErrActionEAlready, u.ID+" is already mounting")
	case types.MountMounted, types.MountRemounting:
		return types.NewError(types.ErrActionEAlready, u.ID+" is already mounted")
	}
	if !u.StartLimitTest(r.Now()) {
		md.Result = types.ResultFailureStartLimitHit
		r.setMountState(u, types.MountFailed)
		return types.NewError(types.ErrActionEFailed, u.ID+" start request repeated too quickly")
	}
	md.Result = types.ResultSuccess

	m := &u.Config.Mount
	args := []string{m.What, m.Where}
	if m.Type != "" {
		args = append(args, "-t", m.Type)
	}
	if m.Options != "" {
		args = append(args, "-o", m.Options)
	}
	pid, err := r.hooks.Spawn(u, unitfile.Command{Path: MountBin, Args: args}, nil, 0)
	if err != nil {
		md.Result = types.ResultFailureResources
		r.setMountState(u, types.MountFailed)
		return types.WrapError(types.ErrSpawn, "spawning mount", err)
	}
	md.ControlPID = pid
	r.AttachPid(pid, u.ID)
	r.setMountState(u, types.MountMounting)
	r.hooks.ArmTimer(u, m.TimeoutSec)
	return nil
}

func (r *Registry) mountStop(u *Unit) error {
	md := u.Mount
	if md == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no mount data")
	}
	switch md.State {
	case types.MountDead, types.MountFailed:
		return types.NewError(types.ErrActionEAlready, u.ID+" is not mounted")
	case types.MountUnmounting, types.MountUnmountingSigterm, types.MountUnmountingSigkill:
		return types.NewError(types.ErrActionEAlready, u.ID+" unmount already in progress")
	}
	m := &u.Config.Mount
	args := []string{m.Where}
	if m.ForceUnmount {
		args = append(args, "-f")
	}
	pid, err := r.hooks.Spawn(u, unitfile.Command{Path: UmountBin, Args: args}, nil, 0)
	if err != nil {
		md.Result = types.ResultFailureResources
		r.setMountState(u, types.MountFailed)
		return types.WrapError(types.ErrSpawn, "spawning umount", err)
	}
	md.ControlPID = pid
	r.AttachPid(pid, u.ID)
	r.setMountState(u, types.MountUnmounting)
	r.hooks.ArmTimer(u, m.TimeoutSec)
	return nil
}

func (r *Registry) mountSigChld(u *Unit, pid, code int, sig syscall.Signal) {
	md := u.Mount
	if md == nil || pid != md.ControlPID {
		return
	}
	md.ControlPID = 0
	success := code == 0 && sig == 0
	r.hooks.StopTimer(u)
	switch md.State {
	case types.MountMounting:
		if success {
			// Wait for mountinfo to confirm the mount point appeared.
			r.setMountState(u, types.MountMountingDone)
		} else {
			md.Result = exitResult(code, sig, false)
			r.setMountState(u, types.MountFailed)
		}
	case types.MountRemounting, types.MountRemountingSigterm, types.MountRemountingSigkill:
		if !success {
			md.Result = exitResult(code, sig, false)
		}
		r.setMountState(u, types.MountMounted)
	case types.MountUnmounting, types.MountUnmountingSigterm, types.MountUnmountingSigkill:
		if success {
			r.setMountState(u, types.MountDead)
		} else {
			md.Result = exitResult(code, sig, false)
			r.setMountState(u, types.MountFailed)
		}
	}
}

// MountInfoEvent feeds a /proc/self/mountinfo observation for this unit's
// mount point into the machine.
func (r *Registry) MountInfoEvent(u *Unit, mounted bool) {
	md := u.Mount
	if md == nil {
		return
	}
	if mounted {
		switch md.State {
		case types.MountDead, types.MountFailed, types.MountMounting, types.MountMountingDone:
			r.hooks.StopTimer(u)
			r.setMountState(u, types.MountMounted)
		}
		return
	}
	switch md.State {
	case types.MountMounted, types.MountMountingDone, types.MountRemounting:
		// Unmounted behind our back.
		r.setMountState(u, types.MountDead)
	}
}

func (r *Registry) mountTimerFired(u *Unit) {
	md := u.Mount
	if md == nil {
		return
	}
	switch md.State {
	case types.MountMounting, types.MountMountingDone:
		md.Result = types.ResultFailureTimeout
		r.mountKillControl(u, types.MountUnmountingSigterm)
	case types.MountUnmounting:
		md.Result = types.ResultFailureTimeout
		r.mountKillControl(u, types.MountUnmountingSigterm)
	case types.MountUnmountingSigterm:
		r.mountKillControl(u, types.MountUnmountingSigkill)
	case types.MountUnmountingSigkill:
		r.setMountState(u, types.MountFailed)
	}
}

func (r *Registry) mountKillControl(u *Unit, state types.MountState) {
	md := u.Mount
	if md.ControlPID <= 0 {
		r.setMountState(u, types.MountFailed)
		return
	}
	sig := "SIGTERM"
	if state == types.MountUnmountingSigkill {
		sig = "SIGKILL"
	}
	if err := r.hooks.Kill(u, types.KillProcess, sig, 0, md.ControlPID); err != nil {
		r.log.Warn().Err(err).Str("unit", u.ID).Msg("failed to signal mount helper")
	}
	r.setMountState(u, state)
	r.hooks.ArmTimer(u, u.Config.Mount.TimeoutSec)
}
