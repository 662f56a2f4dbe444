package unitfile

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// UnitSection holds the [Unit] keys shared by every unit kind.
type UnitSection struct {
	Description   string
	Documentation []string

	Wants     []string
	Requires  []string
	Requisite []string
	BindsTo   []string
	PartOf    []string
	Upholds   []string
	Conflicts []string
	After     []string
	Before    []string
	OnFailure []string
	OnSuccess []string

	PropagatesReloadTo   []string
	ReloadPropagatedFrom []string
	PropagatesStopTo     []string
	StopPropagatedFrom   []string
	JoinsNamespaceOf     []string

	DefaultDependencies bool
	IgnoreOnIsolate     bool
	RefuseManualStart   bool
	RefuseManualStop    bool
	StopWhenUnneeded    bool

	StartLimitInterval time.Duration
	StartLimitBurst    uint32

	ConditionPathExists []string
	AssertPathExists    []string
}

// ServiceSection holds the [Service] keys.
type ServiceSection struct {
	Type types.ServiceType

	ExecCondition []Command
	ExecStartPre  []Command
	ExecStart     []Command
	ExecStartPost []Command
	ExecReload    []Command
	ExecStop      []Command
	ExecStopPost  []Command

	Restart    types.RestartPolicy
	RestartSec time.Duration

	KillMode   types.KillMode
	KillSignal string

	TimeoutStartSec time.Duration
	TimeoutStopSec  time.Duration
	WatchdogSec     time.Duration

	PIDFile        string
	RemainAfterExit bool
	NotifyAccess   types.NotifyAccess

	Environment     []string
	EnvironmentFile []string

	User             string
	Group            string
	UMask            string
	RootDirectory    string
	WorkingDirectory string
	RuntimeDirectory []string
	StateDirectory   []string

	LimitCORE   string
	LimitNOFILE string
	LimitNPROC  string

	SELinuxContext string
}

// SocketSection holds the [Socket] keys.
type SocketSection struct {
	ListenStream   []string
	ListenDatagram []string
	Service        string

	ExecStartPre []Command
	ExecStopPost []Command

	SocketMode      string
	PassCredentials bool
}

// MountSection holds the [Mount] keys.
type MountSection struct {
	What    string
	Where   string
	Type    string
	Options string

	TimeoutSec      time.Duration
	DirectoryMode   string
	ForceUnmount    bool
}

// PathSection holds the [Path] keys.
type PathSection struct {
	PathExists        []string
	PathChanged       []string
	DirectoryNotEmpty []string
	Unit              string
}

// TimerSection holds the [Timer] keys.
type TimerSection struct {
	OnCalendar      []string
	OnBootSec       time.Duration
	OnUnitActiveSec time.Duration
	Unit            string
}

// InstallSection holds the [Install] keys.
type InstallSection struct {
	WantedBy   []string
	RequiredBy []string
	Alias      []string
	Also       []string
}

// Config is the typed configuration of one unit after parsing its primary
// file and all drop-ins.
type Config struct {
	Unit    UnitSection
	Service ServiceSection
	Socket  SocketSection
	Mount   MountSection
	Path    PathSection
	Timer   TimerSection
	Install InstallSection
}
