package types

import (
	"fmt"
	"strings"
	"time"
)

// UnitKind identifies the kind of a unit, taken from its name suffix.
type UnitKind string

const (
	UnitService UnitKind = "service"
	UnitSocket  UnitKind = "socket"
	UnitTarget  UnitKind = "target"
	UnitMount   UnitKind = "mount"
	UnitPath    UnitKind = "path"
	UnitDevice  UnitKind = "device"
	UnitTimer   UnitKind = "timer"
	UnitScope   UnitKind = "scope"
	UnitSlice   UnitKind = "slice"
	UnitBusName UnitKind = "busname"
)

var unitKinds = map[UnitKind]bool{
	UnitService: true,
	UnitSocket:  true,
	UnitTarget:  true,
	UnitMount:   true,
	UnitPath:    true,
	UnitDevice:  true,
	UnitTimer:   true,
	UnitScope:   true,
	UnitSlice:   true,
	UnitBusName: true,
}

// SplitName splits a unit id into its stem and kind. The id must be of the
// form "<stem>.<kind>" with a recognized kind.
func SplitName(id string) (string, UnitKind, error) {
	i := strings.LastIndex(id, ".")
	if i <= 0 || i == len(id)-1 {
		return "", "", NewError(ErrInvalidName, fmt.Sprintf("unit name %q has no kind suffix", id))
	}
	stem, kind := id[:i], UnitKind(id[i+1:])
	if !unitKinds[kind] {
		return "", "", NewError(ErrInvalidName, fmt.Sprintf("unit name %q has unknown kind %q", id, kind))
	}
	return stem, kind, nil
}

// ValidName reports whether id is a well-formed unit name.
func ValidName(id string) bool {
	_, _, err := SplitName(id)
	return err == nil
}

// LoadState tracks how far a unit got through configuration loading.
type LoadState string

const (
	LoadStub       LoadState = "stub"
	LoadLoaded     LoadState = "loaded"
	LoadNotFound   LoadState = "not-found"
	LoadBadSetting LoadState = "bad-setting"
	LoadError      LoadState = "error"
	LoadMerged     LoadState = "merged"
	LoadMasked     LoadState = "masked"
)

// ActiveState is the kind-independent activity projection of a unit.
type ActiveState string

const (
	ActiveStateInactive     ActiveState = "inactive"
	ActiveStateActive       ActiveState = "active"
	ActiveStateActivating   ActiveState = "activating"
	ActiveStateDeactivating ActiveState = "deactivating"
	ActiveStateReloading    ActiveState = "reloading"
	ActiveStateFailed       ActiveState = "failed"
	ActiveStateMaintenance  ActiveState = "maintenance"
)

// IsActiveOrActivating reports whether the state counts as "up or coming up".
func (a ActiveState) IsActiveOrActivating() bool {
	return a == ActiveStateActive || a == ActiveStateActivating || a == ActiveStateReloading
}

// IsInactiveOrFailed reports whether the state counts as "down".
func (a ActiveState) IsInactiveOrFailed() bool {
	return a == ActiveStateInactive || a == ActiveStateFailed
}

// IsInactiveOrDeactivating reports whether the state counts as "down or going down".
func (a ActiveState) IsInactiveOrDeactivating() bool {
	return a.IsInactiveOrFailed() || a == ActiveStateDeactivating
}

// ServiceState is the service sub-state machine.
type ServiceState string

const (
	ServiceDead          ServiceState = "dead"
	ServiceCondition     ServiceState = "condition"
	ServiceStartPre      ServiceState = "start-pre"
	ServiceStart         ServiceState = "start"
	ServiceStartPost     ServiceState = "start-post"
	ServiceRunning       ServiceState = "running"
	ServiceExited        ServiceState = "exited"
	ServiceReload        ServiceState = "reload"
	ServiceStop          ServiceState = "stop"
	ServiceStopWatchdog  ServiceState = "stop-watchdog"
	ServiceStopPost      ServiceState = "stop-post"
	ServiceStopSigterm   ServiceState = "stop-sigterm"
	ServiceStopSigkill   ServiceState = "stop-sigkill"
	ServiceFinalWatchdog ServiceState = "final-watchdog"
	ServiceFinalSigterm  ServiceState = "final-sigterm"
	ServiceFinalSigkill  ServiceState = "final-sigkill"
	ServiceFailed        ServiceState = "failed"
	ServiceCleaning      ServiceState = "cleaning"
)

// ActiveState maps a service sub-state onto the unit active-state. The
// mapping is fixed; tests assert it is a pure function.
func (s ServiceState) ActiveState() ActiveState {
	switch s {
	case ServiceDead:
		return ActiveStateInactive
	case ServiceFailed:
		return ActiveStateFailed
	case ServiceRunning, ServiceExited:
		return ActiveStateActive
	case ServiceCondition, ServiceStartPre, ServiceStart, ServiceStartPost:
		return ActiveStateActivating
	case ServiceReload:
		return ActiveStateReloading
	default:
		return ActiveStateDeactivating
	}
}

// ServiceType selects how the state machine decides a service is up.
type ServiceType string

const (
	ServiceTypeSimple  ServiceType = "simple"
	ServiceTypeForking ServiceType = "forking"
	ServiceTypeOneshot ServiceType = "oneshot"
	ServiceTypeNotify  ServiceType = "notify"
	ServiceTypeIdle    ServiceType = "idle"
	ServiceTypeExec    ServiceType = "exec"
)

// RestartPolicy selects when a finished service is started again.
type RestartPolicy string

const (
	RestartNo        RestartPolicy = "no"
	RestartAlways    RestartPolicy = "always"
	RestartOnSuccess RestartPolicy = "on-success"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartOnAbnormal RestartPolicy = "on-abnormal"
	RestartOnWatchdog RestartPolicy = "on-watchdog"
)

// KillMode selects which pids receive the stop signal.
type KillMode string

const (
	KillNone         KillMode = "none"
	KillControlGroup KillMode = "control-group"
	KillProcess      KillMode = "process"
	KillMixed        KillMode = "mixed"
)

// NotifyAccess selects which pids may write to the notify socket for a unit.
type NotifyAccess string

const (
	NotifyAccessNone NotifyAccess = "none"
	NotifyAccessMain NotifyAccess = "main"
	NotifyAccessExec NotifyAccess = "exec"
	NotifyAccessAll  NotifyAccess = "all"
)

// ServiceResult is the final result recorded when a service machine
// terminates.
type ServiceResult string

const (
	ResultSuccess              ServiceResult = "success"
	ResultFailureExitCode      ServiceResult = "exit-code"
	ResultFailureSignal        ServiceResult = "signal"
	ResultFailureCoreDump      ServiceResult = "core-dump"
	ResultFailureTimeout       ServiceResult = "timeout"
	ResultFailureProtocol      ServiceResult = "protocol"
	ResultFailureResources     ServiceResult = "resources"
	ResultFailureWatchdog      ServiceResult = "watchdog"
	ResultFailureStartLimitHit ServiceResult = "start-limit-hit"
)

// MountState is the mount sub-state machine.
type MountState string

const (
	MountDead             MountState = "dead"
	MountMounting         MountState = "mounting"
	MountMountingDone     MountState = "mounting-done"
	MountMounted          MountState = "mounted"
	MountRemounting       MountState = "remounting"
	MountUnmounting       MountState = "unmounting"
	MountRemountingSigterm MountState = "remounting-sigterm"
	MountRemountingSigkill MountState = "remounting-sigkill"
	MountUnmountingSigterm MountState = "unmounting-sigterm"
	MountUnmountingSigkill MountState = "unmounting-sigkill"
	MountFailed           MountState = "failed"
)

// ActiveState maps a mount sub-state onto the unit active-state.
func (s MountState) ActiveState() ActiveState {
	switch s {
	case MountDead:
		return ActiveStateInactive
	case MountFailed:
		return ActiveStateFailed
	case MountMounted, MountRemounting, MountRemountingSigterm, MountRemountingSigkill:
		return ActiveStateActive
	case MountMounting, MountMountingDone:
		return ActiveStateActivating
	default:
		return ActiveStateDeactivating
	}
}

// SocketState is the socket sub-state machine.
type SocketState string

const (
	SocketDead      SocketState = "dead"
	SocketStartPre  SocketState = "start-pre"
	SocketStartOpen SocketState = "start-open"
	SocketListening SocketState = "listening"
	SocketRunning   SocketState = "running"
	SocketStopPre   SocketState = "stop-pre"
	SocketStopPost  SocketState = "stop-post"
	SocketFailed    SocketState = "failed"
)

// ActiveState maps a socket sub-state onto the unit active-state.
func (s SocketState) ActiveState() ActiveState {
	switch s {
	case SocketDead:
		return ActiveStateInactive
	case SocketFailed:
		return ActiveStateFailed
	case SocketListening, SocketRunning:
		return ActiveStateActive
	case SocketStartPre, SocketStartOpen:
		return ActiveStateActivating
	default:
		return ActiveStateDeactivating
	}
}

// TimerState is the timer sub-state machine.
type TimerState string

const (
	TimerDead    TimerState = "dead"
	TimerWaiting TimerState = "waiting"
	TimerRunning TimerState = "running"
	TimerElapsed TimerState = "elapsed"
	TimerFailed  TimerState = "failed"
)

// ActiveState maps a timer sub-state onto the unit active-state.
func (s TimerState) ActiveState() ActiveState {
	switch s {
	case TimerDead, TimerElapsed:
		return ActiveStateInactive
	case TimerFailed:
		return ActiveStateFailed
	default:
		return ActiveStateActive
	}
}

// PathState is the path sub-state machine.
type PathState string

const (
	PathDead    PathState = "dead"
	PathWaiting PathState = "waiting"
	PathRunning PathState = "running"
	PathFailed  PathState = "failed"
)

// ActiveState maps a path sub-state onto the unit active-state.
func (s PathState) ActiveState() ActiveState {
	switch s {
	case PathDead:
		return ActiveStateInactive
	case PathFailed:
		return ActiveStateFailed
	default:
		return ActiveStateActive
	}
}

// JobKind is the planned action of a job.
type JobKind string

const (
	JobStart         JobKind = "start"
	JobStop          JobKind = "stop"
	JobReload        JobKind = "reload"
	JobRestart       JobKind = "restart"
	JobTryRestart    JobKind = "try-restart"
	JobTryReload     JobKind = "try-reload"
	JobReloadOrStart JobKind = "reload-or-start"
	JobVerify        JobKind = "verify"
	JobNop           JobKind = "nop"
)

// JobMode is the enqueue policy for a job request.
type JobMode string

const (
	JobModeFail                JobMode = "fail"
	JobModeReplace             JobMode = "replace"
	JobModeReplaceIrreversibly JobMode = "replace-irreversibly"
	JobModeIsolate             JobMode = "isolate"
	JobModeFlush               JobMode = "flush"
	JobModeIgnoreDependencies  JobMode = "ignore-dependencies"
	JobModeIgnoreRequirements  JobMode = "ignore-requirements"
	JobModeTrigger             JobMode = "trigger"
)

// JobStage is where a job is in its life.
type JobStage string

const (
	JobWaiting JobStage = "waiting"
	JobRunning JobStage = "running"
	JobEnded   JobStage = "ended"
)

// JobResult is the terminal result of a job.
type JobResult string

const (
	JobDone        JobResult = "done"
	JobCancelled   JobResult = "cancelled"
	JobTimedOut    JobResult = "timeout"
	JobFailed      JobResult = "failed"
	JobDependency  JobResult = "dependency"
	JobSkipped     JobResult = "skipped"
	JobInvalid     JobResult = "invalid"
	JobAssert      JobResult = "assert"
	JobUnsupported JobResult = "unsupported"
	JobCollected   JobResult = "collected"
	JobOnce        JobResult = "once"
	JobMerged      JobResult = "merged"
)

// Rlimit names the resource limits the exec substrate applies.
type Rlimit struct {
	Core   *uint64
	NoFile *uint64
	NProc  *uint64
}

// StartLimit is the per-unit start rate limiter configuration.
type StartLimit struct {
	Interval time.Duration
	Burst    uint32
}
