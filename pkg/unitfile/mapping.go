package unitfile

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"gopkg.in/ini.v1"
)

const defaultStartLimitInterval = 10 * time.Second

func mapConfig(f *ini.File, kind types.UnitKind) (*Config, error) {
	cfg := &Config{}
	cfg.Unit.DefaultDependencies = true
	cfg.Unit.StartLimitInterval = defaultStartLimitInterval
	cfg.Unit.StartLimitBurst = 5
	cfg.Service.Type = types.ServiceTypeSimple
	cfg.Service.Restart = types.RestartNo
	cfg.Service.KillMode = types.KillControlGroup
	cfg.Service.KillSignal = "SIGTERM"
	cfg.Service.NotifyAccess = types.NotifyAccessNone
	cfg.Service.TimeoutStartSec = 90 * time.Second
	cfg.Service.TimeoutStopSec = 90 * time.Second
	cfg.Service.RestartSec = 100 * time.Millisecond
	cfg.Mount.TimeoutSec = 90 * time.Second

	if sec, err := f.GetSection("Unit"); err == nil {
		if err := mapUnitSection(sec, &cfg.Unit); err != nil {
			return nil, err
		}
	}
	switch kind {
	case types.UnitService:
		if sec, err := f.GetSection("Service"); err == nil {
			if err := mapServiceSection(sec, &cfg.Service); err != nil {
				return nil, err
			}
		}
	case types.UnitSocket:
		if sec, err := f.GetSection("Socket"); err == nil {
			if err := mapSocketSection(sec, &cfg.Socket); err != nil {
				return nil, err
			}
		}
	case types.UnitMount:
		if sec, err := f.GetSection("Mount"); err == nil {
			if err := mapMountSection(sec, &cfg.Mount); err != nil {
				return nil, err
			}
		}
	case types.UnitPath:
		if sec, err := f.GetSection("Path"); err == nil {
			mapPathSection(sec, &cfg.Path)
		}
	case types.UnitTimer:
		if sec, err := f.GetSection("Timer"); err == nil {
			if err := mapTimerSection(sec, &cfg.Timer); err != nil {
				return nil, err
			}
		}
	}
	if sec, err := f.GetSection("Install"); err == nil {
		mapInstallSection(sec, &cfg.Install)
	}
	return cfg, nil
}

func keyStrings(sec *ini.Section, name string) []string {
	if !sec.HasKey(name) {
		return nil
	}
	var out []string
	for _, v := range sec.Key(name).ValueWithShadows() {
		words := splitUnitList(v)
		if len(words) == 0 {
			// An empty assignment resets the accumulated list.
			out = nil
			continue
		}
		out = append(out, words...)
	}
	return out
}

func keyString(sec *ini.Section, name, def string) string {
	if !sec.HasKey(name) {
		return def
	}
	return sec.Key(name).String()
}

func keyBool(sec *ini.Section, name string, def bool) (bool, error) {
	if !sec.HasKey(name) {
		return def, nil
	}
	b, err := ParseBool(sec.Key(name).String())
	if err != nil {
		return def, badSetting(name, err)
	}
	return b, nil
}

func keyDuration(sec *ini.Section, name string, def time.Duration) (time.Duration, error) {
	if !sec.HasKey(name) {
		return def, nil
	}
	d, err := ParseDuration(sec.Key(name).String())
	if err != nil {
		return def, badSetting(name, err)
	}
	return d, nil
}

func keyCommands(sec *ini.Section, name string) ([]Command, error) {
	if !sec.HasKey(name) {
		return nil, nil
	}
	var out []Command
	for _, v := range sec.Key(name).ValueWithShadows() {
		if v == "" {
			// An empty assignment resets the accumulated list.
			out = nil
			continue
		}
		c, err := ParseCommand(v)
		if err != nil {
			return nil, badSetting(name, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func badSetting(key string, err error) error {
	return types.WrapError(types.ErrConfigure, fmt.Sprintf("bad setting %s", key), err)
}

func mapUnitSection(sec *ini.Section, u *UnitSection) error {
	u.Description = keyString(sec, "Description", "")
	u.Documentation = keyStrings(sec, "Documentation")
	u.Wants = keyStrings(sec, "Wants")
	u.Requires = keyStrings(sec, "Requires")
	u.Requisite = keyStrings(sec, "Requisite")
	u.BindsTo = keyStrings(sec, "BindsTo")
	u.PartOf = keyStrings(sec, "PartOf")
	u.Upholds = keyStrings(sec, "Upholds")
	u.Conflicts = keyStrings(sec, "Conflicts")
	u.After = keyStrings(sec, "After")
	u.Before = keyStrings(sec, "Before")
	u.OnFailure = keyStrings(sec, "OnFailure")
	u.OnSuccess = keyStrings(sec, "OnSuccess")
	u.PropagatesReloadTo = keyStrings(sec, "PropagatesReloadTo")
	u.ReloadPropagatedFrom = keyStrings(sec, "ReloadPropagatedFrom")
	u.PropagatesStopTo = keyStrings(sec, "PropagatesStopTo")
	u.StopPropagatedFrom = keyStrings(sec, "StopPropagatedFrom")
	u.JoinsNamespaceOf = keyStrings(sec, "JoinsNamespaceOf")
	u.ConditionPathExists = keyStrings(sec, "ConditionPathExists")
	u.AssertPathExists = keyStrings(sec, "AssertPathExists")

	var err error
	if u.DefaultDependencies, err = keyBool(sec, "DefaultDependencies", true); err != nil {
		return err
	}
	if u.IgnoreOnIsolate, err = keyBool(sec, "IgnoreOnIsolate", false); err != nil {
		return err
	}
	if u.RefuseManualStart, err = keyBool(sec, "RefuseManualStart", false); err != nil {
		return err
	}
	if u.RefuseManualStop, err = keyBool(sec, "RefuseManualStop", false); err != nil {
		return err
	}
	if u.StopWhenUnneeded, err = keyBool(sec, "StopWhenUnneeded", false); err != nil {
		return err
	}

	// Both spellings are accepted; the Sec spelling always wins when both
	// are present.
	if u.StartLimitInterval, err = keyDuration(sec, "StartLimitInterval", defaultStartLimitInterval); err != nil {
		return err
	}
	if sec.HasKey("StartLimitIntervalSec") {
		if u.StartLimitInterval, err = keyDuration(sec, "StartLimitIntervalSec", u.StartLimitInterval); err != nil {
			return err
		}
	}
	if sec.HasKey("StartLimitBurst") {
		n, err := sec.Key("StartLimitBurst").Uint()
		if err != nil {
			return badSetting("StartLimitBurst", err)
		}
		u.StartLimitBurst = uint32(n)
	}
	return nil
}

func mapServiceSection(sec *ini.Section, s *ServiceSection) error {
	var err error
	if sec.HasKey("Type") {
		s.Type = types.ServiceType(sec.Key("Type").String())
		switch s.Type {
		case types.ServiceTypeSimple, types.ServiceTypeForking, types.ServiceTypeOneshot,
			types.ServiceTypeNotify, types.ServiceTypeIdle, types.ServiceTypeExec:
		default:
			return badSetting("Type", types.NewError(types.ErrInvalidData, string(s.Type)))
		}
	}
	if s.ExecCondition, err = keyCommands(sec, "ExecCondition"); err != nil {
		return err
	}
	if s.ExecStartPre, err = keyCommands(sec, "ExecStartPre"); err != nil {
		return err
	}
	if s.ExecStart, err = keyCommands(sec, "ExecStart"); err != nil {
		return err
	}
	if s.ExecStartPost, err = keyCommands(sec, "ExecStartPost"); err != nil {
		return err
	}
	if s.ExecReload, err = keyCommands(sec, "ExecReload"); err != nil {
		return err
	}
	if s.ExecStop, err = keyCommands(sec, "ExecStop"); err != nil {
		return err
	}
	if s.ExecStopPost, err = keyCommands(sec, "ExecStopPost"); err != nil {
		return err
	}
	if sec.HasKey("Restart") {
		s.Restart = types.RestartPolicy(sec.Key("Restart").String())
		switch s.Restart {
		case types.RestartNo, types.RestartAlways, types.RestartOnSuccess,
			types.RestartOnFailure, types.RestartOnAbnormal, types.RestartOnWatchdog:
		default:
			return badSetting("Restart", types.NewError(types.ErrInvalidData, string(s.Restart)))
		}
	}
	if s.RestartSec, err = keyDuration(sec, "RestartSec", s.RestartSec); err != nil {
		return err
	}
	if sec.HasKey("KillMode") {
		s.KillMode = types.KillMode(sec.Key("KillMode").String())
		switch s.KillMode {
		case types.KillNone, types.KillControlGroup, types.KillProcess, types.KillMixed:
		default:
			return badSetting("KillMode", types.NewError(types.ErrInvalidData, string(s.KillMode)))
		}
	}
	s.KillSignal = keyString(sec, "KillSignal", s.KillSignal)

	// TimeoutSec shorthand sets both directions; the specific keys override.
	if sec.HasKey("TimeoutSec") {
		d, err := keyDuration(sec, "TimeoutSec", 0)
		if err != nil {
			return err
		}
		s.TimeoutStartSec, s.TimeoutStopSec = d, d
	}
	if s.TimeoutStartSec, err = keyDuration(sec, "TimeoutStartSec", s.TimeoutStartSec); err != nil {
		return err
	}
	if s.TimeoutStopSec, err = keyDuration(sec, "TimeoutStopSec", s.TimeoutStopSec); err != nil {
		return err
	}
	if s.WatchdogSec, err = keyDuration(sec, "WatchdogSec", 0); err != nil {
		return err
	}

	s.PIDFile = keyString(sec, "PIDFile", "")
	if s.RemainAfterExit, err = keyBool(sec, "RemainAfterExit", false); err != nil {
		return err
	}
	if sec.HasKey("NotifyAccess") {
		s.NotifyAccess = types.NotifyAccess(sec.Key("NotifyAccess").String())
		switch s.NotifyAccess {
		case types.NotifyAccessNone, types.NotifyAccessMain, types.NotifyAccessExec, types.NotifyAccessAll:
		default:
			return badSetting("NotifyAccess", types.NewError(types.ErrInvalidData, string(s.NotifyAccess)))
		}
	}

	if sec.HasKey("Environment") {
		s.Environment = sec.Key("Environment").ValueWithShadows()
	}
	if sec.HasKey("EnvironmentFile") {
		s.EnvironmentFile = sec.Key("EnvironmentFile").ValueWithShadows()
	}
	s.User = keyString(sec, "User", "")
	s.Group = keyString(sec, "Group", "")
	s.UMask = keyString(sec, "UMask", "")
	s.RootDirectory = keyString(sec, "RootDirectory", "")
	s.WorkingDirectory = keyString(sec, "WorkingDirectory", "")
	s.RuntimeDirectory = keyStrings(sec, "RuntimeDirectory")
	s.StateDirectory = keyStrings(sec, "StateDirectory")
	s.LimitCORE = keyString(sec, "LimitCORE", "")
	s.LimitNOFILE = keyString(sec, "LimitNOFILE", "")
	s.LimitNPROC = keyString(sec, "LimitNPROC", "")
	s.SELinuxContext = keyString(sec, "SELinuxContext", "")
	return nil
}

func mapSocketSection(sec *ini.Section, s *SocketSection) error {
	var err error
	s.ListenStream = keyStrings(sec, "ListenStream")
	s.ListenDatagram = keyStrings(sec, "ListenDatagram")
	s.Service = keyString(sec, "Service", "")
	if s.ExecStartPre, err = keyCommands(sec, "ExecStartPre"); err != nil {
		return err
	}
	if s.ExecStopPost, err = keyCommands(sec, "ExecStopPost"); err != nil {
		return err
	}
	s.SocketMode = keyString(sec, "SocketMode", "0666")
	if s.PassCredentials, err = keyBool(sec, "PassCredentials", false); err != nil {
		return err
	}
	return nil
}

func mapMountSection(sec *ini.Section, m *MountSection) error {
	var err error
	m.What = keyString(sec, "What", "")
	m.Where = keyString(sec, "Where", "")
	m.Type = keyString(sec, "Type", "")
	m.Options = keyString(sec, "Options", "")
	m.DirectoryMode = keyString(sec, "DirectoryMode", "0755")
	if m.TimeoutSec, err = keyDuration(sec, "TimeoutSec", m.TimeoutSec); err != nil {
		return err
	}
	if m.ForceUnmount, err = keyBool(sec, "ForceUnmount", false); err != nil {
		return err
	}
	return nil
}

func mapPathSection(sec *ini.Section, p *PathSection) {
	p.PathExists = keyStrings(sec, "PathExists")
	p.PathChanged = keyStrings(sec, "PathChanged")
	p.DirectoryNotEmpty = keyStrings(sec, "DirectoryNotEmpty")
	p.Unit = keyString(sec, "Unit", "")
}

func mapTimerSection(sec *ini.Section, t *TimerSection) error {
	var err error
	if sec.HasKey("OnCalendar") {
		// Each value is one schedule; cron expressions contain spaces.
		t.OnCalendar = sec.Key("OnCalendar").ValueWithShadows()
	}
	if t.OnBootSec, err = keyDuration(sec, "OnBootSec", 0); err != nil {
		return err
	}
	if t.OnUnitActiveSec, err = keyDuration(sec, "OnUnitActiveSec", 0); err != nil {
		return err
	}
	t.Unit = keyString(sec, "Unit", "")
	return nil
}

func mapInstallSection(sec *ini.Section, in *InstallSection) {
	in.WantedBy = keyStrings(sec, "WantedBy")
	in.RequiredBy = keyStrings(sec, "RequiredBy")
	in.Alias = keyStrings(sec, "Alias")
	in.Also = keyStrings(sec, "Also")
}

// Validate enforces the per-kind configuration rules that are checked at
// load time rather than at activation.
func Validate(cfg *Config, kind types.UnitKind) error {
	switch kind {
	case types.UnitService:
		s := &cfg.Service
		if len(s.ExecStart) == 0 {
			if s.Type != types.ServiceTypeOneshot {
				return types.NewError(types.ErrConfigure, "ExecStart is required")
			}
			if !s.RemainAfterExit {
				return types.NewError(types.ErrConfigure, "oneshot without ExecStart requires RemainAfterExit=yes")
			}
		}
		if s.Type == types.ServiceTypeOneshot {
			if s.Restart == types.RestartAlways || s.Restart == types.RestartOnSuccess {
				return types.NewError(types.ErrConfigure, "oneshot services cannot use Restart=always or on-success")
			}
		}
		if (s.Type == types.ServiceTypeSimple || s.Type == types.ServiceTypeNotify || s.Type == types.ServiceTypeExec) && len(s.ExecStart) > 1 {
			return types.NewError(types.ErrConfigure, "more than one ExecStart is only allowed for oneshot services")
		}
		if s.Type == types.ServiceTypeForking && s.PIDFile == "" {
			// Accepted; the main pid is then never learned and the unit
			// finishes like a oneshot once ExecStart exits.
		}
	case types.UnitSocket:
		if len(cfg.Socket.ListenStream) == 0 && len(cfg.Socket.ListenDatagram) == 0 {
			return types.NewError(types.ErrConfigure, "socket unit declares no Listen directive")
		}
	case types.UnitMount:
		if cfg.Mount.What == "" || cfg.Mount.Where == "" {
			return types.NewError(types.ErrConfigure, "mount unit requires What and Where")
		}
	case types.UnitPath:
		p := &cfg.Path
		if len(p.PathExists)+len(p.PathChanged)+len(p.DirectoryNotEmpty) == 0 {
			return types.NewError(types.ErrConfigure, "path unit declares no watch directive")
		}
	case types.UnitTimer:
		t := &cfg.Timer
		if len(t.OnCalendar) == 0 && t.OnBootSec == 0 && t.OnUnitActiveSec == 0 {
			return types.NewError(types.ErrConfigure, "timer unit declares no elapse directive")
		}
	}
	return nil
}
