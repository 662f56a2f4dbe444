package unit

import (
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/exec"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
)

// ExecCmdType names which control-command list is currently running.
type ExecCmdType string

const (
	ExecCondition ExecCmdType = "condition"
	ExecStartPre  ExecCmdType = "start-pre"
	ExecStart     ExecCmdType = "start"
	ExecStartPost ExecCmdType = "start-post"
	ExecReload    ExecCmdType = "reload"
	ExecStop      ExecCmdType = "stop"
	ExecStopPost  ExecCmdType = "stop-post"
)

// ServiceData is the service machine's mutable state.
type ServiceData struct {
	State        types.ServiceState
	Result       types.ServiceResult
	ReloadResult types.ServiceResult

	MainPID    int
	ControlPID int

	ctrlType    ExecCmdType
	ctrlQueue   []unitfile.Command
	ctrlCurrent *unitfile.Command

	pendingRestart bool
	forbidRestart  bool

	// autoRestart marks the next start request as restart-scheduler
	// driven; only those draw from the start rate-limit budget.
	autoRestart bool

	// ConditionSkipped marks that an ExecCondition command decided against
	// starting; the job engine reports Skipped instead of Done.
	ConditionSkipped bool

	StatusText string
	StatusErrno int
}

func newServiceData(cfg *unitfile.Config) *ServiceData {
	return &ServiceData{
		State:        types.ServiceDead,
		Result:       types.ResultSuccess,
		ReloadResult: types.ResultSuccess,
	}
}

func (sd *ServiceData) hasPids() bool {
	return sd.MainPID > 0 || sd.ControlPID > 0
}

func (sd *ServiceData) mergeResult(res types.ServiceResult) {
	if sd.Result == types.ResultSuccess {
		sd.Result = res
	}
}

func (sd *ServiceData) isStopping() bool {
	switch sd.State {
	case types.ServiceStop, types.ServiceStopWatchdog, types.ServiceStopPost,
		types.ServiceStopSigterm, types.ServiceStopSigkill,
		types.ServiceFinalWatchdog, types.ServiceFinalSigterm, types.ServiceFinalSigkill:
		return true
	}
	return false
}

func (sd *ServiceData) isStarting() bool {
	switch sd.State {
	case types.ServiceCondition, types.ServiceStartPre, types.ServiceStart, types.ServiceStartPost:
		return true
	}
	return false
}

// exitResult classifies a reaped child status.
func exitResult(code int, sig syscall.Signal, dumped bool) types.ServiceResult {
	switch {
	case dumped:
		return types.ResultFailureCoreDump
	case sig != 0:
		return types.ResultFailureSignal
	case code != 0:
		return types.ResultFailureExitCode
	default:
		return types.ResultSuccess
	}
}

func (r *Registry) setServiceState(u *Unit, state types.ServiceState) {
	old := u.ActiveState()
	u.Service.State = state
	r.setState(u, old)
}

func (r *Registry) serviceStart(u *Unit) error {
	sd := u.Service
	if sd == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no service data")
	}
	if sd.isStopping() {
		return types.NewError(types.ErrActionEAgain, u.ID+" is shutting down")
	}
	if sd.isStarting() || sd.State == types.ServiceRunning ||
		sd.State == types.ServiceExited || sd.State == types.ServiceReload {
		return types.NewError(types.ErrActionEAlready, u.ID+" is already started")
	}
	autoRestart := sd.autoRestart
	sd.autoRestart = false
	if autoRestart && !u.StartLimitTest(r.Now()) {
		sd.Result = types.ResultFailureStartLimitHit
		r.setServiceState(u, types.ServiceFailed)
		return types.NewError(types.ErrActionEFailed, u.ID+" restarted too quickly")
	}

	sd.Result = types.ResultSuccess
	sd.ReloadResult = types.ResultSuccess
	sd.forbidRestart = false
	sd.pendingRestart = false
	sd.ConditionSkipped = false
	sd.StatusText = ""

	switch u.CheckConditions() {
	case assertFailed:
		return types.NewError(types.ErrAssertFailed, u.ID+" assertion failed")
	case conditionFailed:
		r.log.Info().Str("unit", u.ID).Msg("condition check failed, not starting")
		return types.NewError(types.ErrConditionFailed, u.ID+" condition failed")
	}

	r.serviceEnterCondition(u)
	return nil
}

func (r *Registry) serviceStop(u *Unit) error {
	sd := u.Service
	if sd == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no service data")
	}
	sd.forbidRestart = true
	if sd.pendingRestart {
		sd.pendingRestart = false
		r.hooks.StopTimer(u)
	}
	switch {
	case sd.State == types.ServiceDead || sd.State == types.ServiceFailed:
		return types.NewError(types.ErrActionEAlready, u.ID+" is not running")
	case sd.isStopping():
		return types.NewError(types.ErrActionEAlready, u.ID+" stop already in progress")
	case sd.State == types.ServiceRunning || sd.State == types.ServiceExited:
		r.serviceEnterStop(u, types.ResultSuccess)
	default:
		// Interrupted startup or reload goes straight to the signal path.
		r.serviceEnterStopSigterm(u, types.ResultSuccess)
	}
	return nil
}

func (r *Registry) serviceReload(u *Unit) error {
	sd := u.Service
	if sd == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no service data")
	}
	if sd.State != types.ServiceRunning && sd.State != types.ServiceExited {
		return types.NewError(types.ErrActionEAgain, u.ID+" is not running")
	}
	cmds := u.Config.Service.ExecReload
	if len(cmds) == 0 {
		return types.NewError(types.ErrActionEOpNotSupp, u.ID+" has no ExecReload")
	}
	sd.ReloadResult = types.ResultSuccess
	r.setServiceState(u, types.ServiceReload)
	r.serviceRunControl(u, ExecReload, cmds)
	r.hooks.ArmTimer(u, u.Config.Service.TimeoutStartSec)
	return nil
}

func (r *Registry) serviceEnterCondition(u *Unit) {
	cmds := u.Config.Service.ExecCondition
	if len(cmds) == 0 {
		r.serviceEnterStartPre(u)
		return
	}
	r.setServiceState(u, types.ServiceCondition)
	r.serviceRunControl(u, ExecCondition, cmds)
	r.hooks.ArmTimer(u, u.Config.Service.TimeoutStartSec)
}

func (r *Registry) serviceEnterStartPre(u *Unit) {
	cmds := u.Config.Service.ExecStartPre
	if len(cmds) == 0 {
		r.serviceEnterStart(u)
		return
	}
	r.setServiceState(u, types.ServiceStartPre)
	r.serviceRunControl(u, ExecStartPre, cmds)
	r.hooks.ArmTimer(u, u.Config.Service.TimeoutStartSec)
}

func (r *Registry) serviceEnterStart(u *Unit) {
	svc := &u.Config.Service
	cmds := svc.ExecStart
	if len(cmds) == 0 {
		// Oneshot with RemainAfterExit and no ExecStart.
		r.serviceEnterStartPost(u)
		return
	}
	sd := u.Service
	switch svc.Type {
	case types.ServiceTypeOneshot, types.ServiceTypeForking:
		// ExecStart runs under control-pid supervision; the main pid (for
		// forking) is learned from the pid file afterwards.
		r.setServiceState(u, types.ServiceStart)
		r.serviceRunControl(u, ExecStart, cmds)
		r.hooks.ArmTimer(u, svc.TimeoutStartSec)
	default:
		fds := r.collectFds(u)
		watchdog := uint64(svc.WatchdogSec / time.Microsecond)
		pid, err := r.hooks.Spawn(u, cmds[0], fds, watchdog)
		if err != nil {
			r.log.Error().Err(err).Str("unit", u.ID).Msg("failed to spawn main process")
			r.serviceEnterStopSigterm(u, types.ResultFailureResources)
			return
		}
		sd.MainPID = pid
		r.AttachPid(pid, u.ID)
		if svc.Type == types.ServiceTypeNotify {
			r.setServiceState(u, types.ServiceStart)
			r.hooks.ArmTimer(u, svc.TimeoutStartSec)
		} else {
			r.setServiceState(u, types.ServiceStart)
			r.serviceEnterStartPost(u)
		}
	}
}

func (r *Registry) serviceEnterStartPost(u *Unit) {
	cmds := u.Config.Service.ExecStartPost
	if len(cmds) == 0 {
		r.serviceEnterRunning(u)
		return
	}
	r.setServiceState(u, types.ServiceStartPost)
	r.serviceRunControl(u, ExecStartPost, cmds)
	r.hooks.ArmTimer(u, u.Config.Service.TimeoutStartSec)
}

func (r *Registry) serviceEnterRunning(u *Unit) {
	sd := u.Service
	svc := &u.Config.Service
	r.hooks.StopTimer(u)
	if sd.MainPID > 0 {
		r.setServiceState(u, types.ServiceRunning)
		if svc.WatchdogSec > 0 {
			r.hooks.ArmTimer(u, svc.WatchdogSec)
		}
		return
	}
	if svc.RemainAfterExit {
		r.setServiceState(u, types.ServiceExited)
		return
	}
	// Oneshot without RemainAfterExit is done once its commands finish.
	r.serviceEnterStopPost(u, types.ResultSuccess)
}

func (r *Registry) serviceEnterStop(u *Unit, res types.ServiceResult) {
	sd := u.Service
	sd.mergeResult(res)
	cmds := u.Config.Service.ExecStop
	if len(cmds) == 0 {
		r.serviceEnterStopSigterm(u, sd.Result)
		return
	}
	r.setServiceState(u, types.ServiceStop)
	r.serviceRunControl(u, ExecStop, cmds)
	r.hooks.ArmTimer(u, u.Config.Service.TimeoutStopSec)
}

func (r *Registry) serviceEnterStopSigterm(u *Unit, res types.ServiceResult) {
	r.serviceEnterSignal(u, types.ServiceStopSigterm, res)
}

func (r *Registry) serviceEnterStopSigkill(u *Unit, res types.ServiceResult) {
	r.serviceEnterSignal(u, types.ServiceStopSigkill, res)
}

func (r *Registry) serviceEnterSignal(u *Unit, state types.ServiceState, res types.ServiceResult) {
	sd := u.Service
	sd.mergeResult(res)
	svc := &u.Config.Service
	if !sd.hasPids() || svc.KillMode == types.KillNone {
		switch state {
		case types.ServiceStopSigterm, types.ServiceStopSigkill, types.ServiceStopWatchdog:
			r.serviceEnterStopPost(u, sd.Result)
		default:
			r.serviceEnterDeadOrFailed(u)
		}
		return
	}
	sig := svc.KillSignal
	if state == types.ServiceStopSigkill || state == types.ServiceFinalSigkill {
		sig = "SIGKILL"
	}
	r.setServiceState(u, state)
	if err := r.hooks.Kill(u, svc.KillMode, sig, sd.MainPID, sd.ControlPID); err != nil {
		r.log.Warn().Err(err).Str("unit", u.ID).Msg("failed to signal unit processes")
	}
	r.hooks.ArmTimer(u, svc.TimeoutStopSec)
}

func (r *Registry) serviceEnterStopPost(u *Unit, res types.ServiceResult) {
	sd := u.Service
	sd.mergeResult(res)
	cmds := u.Config.Service.ExecStopPost
	if len(cmds) == 0 {
		r.serviceEnterDeadOrFailed(u)
		return
	}
	r.setServiceState(u, types.ServiceStopPost)
	r.serviceRunControl(u, ExecStopPost, cmds)
	r.hooks.ArmTimer(u, u.Config.Service.TimeoutStopSec)
}

func (r *Registry) serviceEnterDeadOrFailed(u *Unit) {
	sd := u.Service
	r.hooks.StopTimer(u)
	if sd.Result == types.ResultSuccess {
		r.setServiceState(u, types.ServiceDead)
	} else {
		r.setServiceState(u, types.ServiceFailed)
	}
	if r.serviceShouldRestart(u) {
		sd.pendingRestart = true
		r.hooks.ArmTimer(u, u.Config.Service.RestartSec)
	}
}

func (r *Registry) serviceShouldRestart(u *Unit) bool {
	sd := u.Service
	if sd.forbidRestart {
		return false
	}
	if sd.Result == types.ResultFailureStartLimitHit {
		return false
	}
	switch u.Config.Service.Restart {
	case types.RestartAlways:
		return true
	case types.RestartOnSuccess:
		return sd.Result == types.ResultSuccess
	case types.RestartOnFailure:
		return sd.Result != types.ResultSuccess
	case types.RestartOnAbnormal:
		return sd.Result == types.ResultFailureSignal || sd.Result == types.ResultFailureCoreDump ||
			sd.Result == types.ResultFailureTimeout || sd.Result == types.ResultFailureWatchdog
	case types.RestartOnWatchdog:
		return sd.Result == types.ResultFailureWatchdog
	}
	return false
}

func (r *Registry) serviceRunControl(u *Unit, ctype ExecCmdType, cmds []unitfile.Command) {
	sd := u.Service
	sd.ctrlType = ctype
	sd.ctrlQueue = append([]unitfile.Command{}, cmds...)
	r.serviceSpawnNextControl(u)
}

func (r *Registry) serviceSpawnNextControl(u *Unit) {
	sd := u.Service
	if len(sd.ctrlQueue) == 0 {
		return
	}
	cmd := sd.ctrlQueue[0]
	sd.ctrlQueue = sd.ctrlQueue[1:]
	sd.ctrlCurrent = &cmd
	pid, err := r.hooks.Spawn(u, cmd, nil, 0)
	if err != nil {
		r.log.Error().Err(err).Str("unit", u.ID).Str("command", cmd.Path).Msg("failed to spawn control process")
		sd.ControlPID = 0
		r.serviceCtrlDispatch(u, false)
		return
	}
	sd.ControlPID = pid
	r.AttachPid(pid, u.ID)
}

func (r *Registry) serviceSigChld(u *Unit, pid, code int, sig syscall.Signal, dumped bool) {
	sd := u.Service
	res := exitResult(code, sig, dumped)

	switch pid {
	case sd.MainPID:
		sd.MainPID = 0
		r.serviceMainExited(u, res)
	case sd.ControlPID:
		sd.ControlPID = 0
		success := res == types.ResultSuccess || (sd.ctrlCurrent != nil && sd.ctrlCurrent.IgnoreFailure)
		if !success {
			sd.mergeResult(res)
		}
		if success && len(sd.ctrlQueue) > 0 {
			r.serviceSpawnNextControl(u)
			return
		}
		r.serviceCtrlDispatch(u, success)
	default:
		// A stray tracked pid; only interesting in the signal states.
		r.serviceCheckDrained(u)
	}
}

func (r *Registry) serviceMainExited(u *Unit, res types.ServiceResult) {
	sd := u.Service
	switch sd.State {
	case types.ServiceStart, types.ServiceStartPost:
		// Main died during startup.
		if res != types.ResultSuccess {
			r.serviceEnterStopSigterm(u, res)
			return
		}
		if u.Config.Service.Type == types.ServiceTypeNotify {
			// Exited before READY=1.
			r.serviceEnterStopSigterm(u, types.ResultFailureProtocol)
			return
		}
		if u.Config.Service.RemainAfterExit {
			r.serviceEnterRunning(u)
			return
		}
		r.serviceEnterStopPost(u, res)
	case types.ServiceRunning, types.ServiceReload:
		r.serviceEnterStopPost(u, res)
	case types.ServiceStop:
		sd.mergeResult(res)
	case types.ServiceStopWatchdog, types.ServiceStopSigterm, types.ServiceStopSigkill:
		r.serviceCheckDrained(u)
	case types.ServiceFinalWatchdog, types.ServiceFinalSigterm, types.ServiceFinalSigkill:
		r.serviceCheckDrained(u)
	}
}

func (r *Registry) serviceCtrlDispatch(u *Unit, success bool) {
	sd := u.Service
	sd.ctrlCurrent = nil
	switch sd.ctrlType {
	case ExecCondition:
		if success {
			r.serviceEnterStartPre(u)
		} else {
			// An exec condition deciding "no" is not a failure.
			sd.Result = types.ResultSuccess
			sd.ConditionSkipped = true
			r.serviceEnterDeadOrFailed(u)
		}
	case ExecStartPre:
		if success {
			r.serviceEnterStart(u)
		} else {
			r.serviceEnterStopSigterm(u, sd.Result)
		}
	case ExecStart:
		if !success {
			r.serviceEnterStopSigterm(u, sd.Result)
			return
		}
		if u.Config.Service.Type == types.ServiceTypeForking {
			if pidFile := u.Config.Service.PIDFile; pidFile != "" {
				mainPID, err := exec.ReadPIDFile(pidFile)
				if err != nil {
					r.log.Error().Err(err).Str("unit", u.ID).Msg("cannot read pid file")
					r.serviceEnterStopSigterm(u, types.ResultFailureProtocol)
					return
				}
				sd.MainPID = mainPID
				r.AttachPid(mainPID, u.ID)
			}
		}
		r.serviceEnterStartPost(u)
	case ExecStartPost:
		if success {
			r.serviceEnterRunning(u)
		} else {
			r.serviceEnterStopSigterm(u, sd.Result)
		}
	case ExecReload:
		if !success {
			sd.ReloadResult = types.ResultFailureExitCode
		}
		r.hooks.StopTimer(u)
		r.serviceEnterRunning(u)
	case ExecStop:
		r.serviceEnterStopSigterm(u, sd.Result)
	case ExecStopPost:
		r.serviceEnterFinal(u)
	}
}

func (r *Registry) serviceEnterFinal(u *Unit) {
	sd := u.Service
	if !sd.hasPids() && len(r.TrackedPids(u)) == 0 {
		r.serviceEnterDeadOrFailed(u)
		return
	}
	r.serviceEnterSignal(u, types.ServiceFinalSigterm, sd.Result)
}

// serviceCheckDrained advances out of a signal state once no pids remain.
func (r *Registry) serviceCheckDrained(u *Unit) {
	sd := u.Service
	if sd.hasPids() || len(r.TrackedPids(u)) > 0 {
		return
	}
	switch sd.State {
	case types.ServiceStopWatchdog, types.ServiceStopSigterm, types.ServiceStopSigkill:
		r.serviceEnterStopPost(u, sd.Result)
	case types.ServiceFinalWatchdog, types.ServiceFinalSigterm, types.ServiceFinalSigkill:
		r.serviceEnterDeadOrFailed(u)
	}
}

func (r *Registry) serviceTimerFired(u *Unit) {
	sd := u.Service
	if sd == nil {
		return
	}
	if sd.pendingRestart && (sd.State == types.ServiceDead || sd.State == types.ServiceFailed) {
		sd.pendingRestart = false
		sd.autoRestart = true
		r.log.Info().Str("unit", u.ID).Msg("scheduling service restart")
		r.hooks.EnqueueStart(u.ID, true)
		return
	}
	switch sd.State {
	case types.ServiceRunning:
		if u.Config.Service.WatchdogSec > 0 {
			r.log.Warn().Str("unit", u.ID).Msg("watchdog timeout")
			sd.mergeResult(types.ResultFailureWatchdog)
			r.serviceEnterSignal(u, types.ServiceStopWatchdog, sd.Result)
		}
	case types.ServiceCondition, types.ServiceStartPre, types.ServiceStart, types.ServiceStartPost,
		types.ServiceStop, types.ServiceReload:
		r.log.Warn().Str("unit", u.ID).Str("state", string(sd.State)).Msg("operation timed out")
		r.serviceEnterStopSigterm(u, types.ResultFailureTimeout)
	case types.ServiceStopWatchdog, types.ServiceStopSigterm:
		r.serviceEnterStopSigkill(u, types.ResultFailureTimeout)
	case types.ServiceStopSigkill:
		r.serviceEnterStopPost(u, types.ResultFailureTimeout)
	case types.ServiceStopPost:
		r.serviceEnterSignal(u, types.ServiceFinalSigterm, types.ResultFailureTimeout)
	case types.ServiceFinalWatchdog, types.ServiceFinalSigterm:
		r.serviceEnterSignal(u, types.ServiceFinalSigkill, types.ResultFailureTimeout)
	case types.ServiceFinalSigkill:
		r.serviceEnterDeadOrFailed(u)
	}
}

// ServiceNotify dispatches a notify-socket message attributed to this unit.
// Access control already happened in the caller.
func (r *Registry) ServiceNotify(u *Unit, pid int, fields map[string]string) {
	sd := u.Service
	if sd == nil {
		return
	}
	if v, ok := fields["MAINPID"]; ok {
		if newMain := parsePid(v); newMain > 0 {
			if sd.MainPID > 0 {
				r.DetachPid(sd.MainPID)
			}
			sd.MainPID = newMain
			r.AttachPid(newMain, u.ID)
		}
	}
	if fields["READY"] == "1" {
		switch {
		case sd.State == types.ServiceStart && u.Config.Service.Type == types.ServiceTypeNotify:
			r.serviceEnterStartPost(u)
		case sd.State == types.ServiceReload:
			r.hooks.StopTimer(u)
			r.serviceEnterRunning(u)
		}
	}
	if fields["RELOADING"] == "1" && sd.State == types.ServiceRunning {
		r.setServiceState(u, types.ServiceReload)
		r.hooks.ArmTimer(u, u.Config.Service.TimeoutStartSec)
	}
	if fields["STOPPING"] == "1" && sd.State == types.ServiceRunning {
		r.setServiceState(u, types.ServiceStop)
		r.hooks.ArmTimer(u, u.Config.Service.TimeoutStopSec)
	}
	if v, ok := fields["STATUS"]; ok {
		sd.StatusText = v
	}
	if v, ok := fields["ERRNO"]; ok {
		sd.StatusErrno = parsePid(v)
	}
	if fields["WATCHDOG"] == "1" && sd.State == types.ServiceRunning && u.Config.Service.WatchdogSec > 0 {
		r.hooks.ArmTimer(u, u.Config.Service.WatchdogSec)
	}
}

func parsePid(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func (r *Registry) collectFds(u *Unit) []exec.FdPass {
	if r.hooks.CollectFds == nil {
		return nil
	}
	return r.hooks.CollectFds(u)
}
