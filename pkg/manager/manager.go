package manager

import (
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/command"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/job"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/notify"
	"github.com/cuemby/burrow/pkg/reliability"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unit"
	"github.com/cuemby/burrow/pkg/unitfile"
)

// DefaultTarget is the unit started on a fresh boot.
const DefaultTarget = "default.target"

type eventKind int

const (
	evSignal eventKind = iota
	evNotify
	evCommand
	evTick
	evUnitTimer
	evSocketReady
)

type commandReq struct {
	req  command.Request
	resp chan command.Response
}

type loopEvent struct {
	kind   eventKind
	sig    os.Signal
	msg    notify.Message
	cmd    *commandReq
	unitID string
	fd     int
}

// Manager hosts the event loop: signal dispatch, the notify socket, the
// command channel, job-queue advancement, and reload/re-exec
// orchestration. All core state is owned by the loop goroutine; auxiliary
// goroutines only convert I/O into loop events.
type Manager struct {
	cfg    *config.Config
	reli   *reliability.Store
	reg    *unit.Registry
	jobs   *job.Engine
	broker *events.Broker

	notifySrv *notify.Server
	cmdSrv    *command.Server

	eventCh  chan loopEvent
	notifyCh chan notify.Message
	sigCh    chan os.Signal

	timers        map[string]*time.Timer
	socketPollers map[int]chan struct{}
	socketFdUnits map[int]string
	mountPoints   map[string]bool

	waiters map[string]chan command.Response

	reloadFlag   bool
	reexecFlag   bool
	shutdownFlag bool
	deserialize  bool

	log zerolog.Logger
}

// New assembles a manager over the daemon configuration. deserialize
// marks a re-exec successor that must reclaim inherited fds.
func New(cfg *config.Config, deserialize bool) (*Manager, error) {
	m := &Manager{
		cfg:           cfg,
		broker:        events.NewBroker(),
		eventCh:       make(chan loopEvent, 256),
		notifyCh:      make(chan notify.Message, 64),
		sigCh:         make(chan os.Signal, 64),
		timers:        make(map[string]*time.Timer),
		socketPollers: make(map[int]chan struct{}),
		socketFdUnits: make(map[int]string),
		mountPoints:   make(map[string]bool),
		waiters:       make(map[string]chan command.Response),
		deserialize:   deserialize,
		log:           log.WithComponent("manager"),
	}

	reli, err := reliability.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	m.reli = reli

	sp := unitfile.DefaultSearchPath()
	if len(cfg.UnitPaths) > 0 {
		sp = unitfile.SearchPath{Dirs: cfg.UnitPaths}
	}
	m.reg = unit.NewRegistry(sp, m.makeHooks())
	m.jobs = job.NewEngine(m.reg)
	m.jobs.OnFinished = m.jobFinished
	m.jobs.OnChanged = m.jobChanged

	m.reli.RegisterStation("units", reliability.LevelUnit, &unitStation{m: m})
	m.reli.RegisterStation("jobs", reliability.LevelJob, &jobStation{m: m})
	return m, nil
}

// Run enters the event loop; it returns when the manager shuts down.
func (m *Manager) Run() error {
	signal.Notify(m.sigCh,
		syscall.SIGCHLD, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT,
		syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range m.sigCh {
			m.eventCh <- loopEvent{kind: evSignal, sig: sig}
		}
	}()

	srv, err := notify.NewServer(m.cfg.NotifySocket)
	if err != nil {
		return err
	}
	m.notifySrv = srv
	go srv.Serve(m.notifyCh)
	go func() {
		for msg := range m.notifyCh {
			m.eventCh <- loopEvent{kind: evNotify, msg: msg}
		}
	}()

	cmdSrv, err := command.NewServer(m.cfg.CommandSocket, m.handleCommand)
	if err != nil {
		return err
	}
	m.cmdSrv = cmdSrv
	go cmdSrv.Serve()

	if m.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(m.cfg.MetricsAddr, mux); err != nil {
				m.log.Warn().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			select {
			case m.eventCh <- loopEvent{kind: evTick}:
			default:
			}
		}
	}()

	m.broker.Start()
	m.broker.Publish(events.New(events.EventManagerStarted, "", "manager started"))

	metrics.RecoveriesTotal.Inc()
	m.reli.Recover(false)

	if !m.deserialize {
		if _, err := m.enqueue(DefaultTarget, types.JobStart, types.JobModeReplace, false); err != nil {
			switch types.KindOf(err) {
			case types.ErrNotFound, types.ErrActionEBadR:
				// No default target installed; stay idle for requests.
			default:
				m.log.Warn().Err(err).Msg("cannot start default target")
			}
		}
	}

	m.log.Info().Msg("entering event loop")
	for !m.shutdownFlag {
		m.reg.DrainLoadQueue()
		m.jobs.RunQueue()
		m.reg.RunGC()

		ev := <-m.eventCh
		timer := metrics.NewTimer()
		m.dispatch(ev)
		timer.ObserveDuration(metrics.EventLoopTickDuration)

		if m.reloadFlag {
			m.reloadFlag = false
			m.doReload()
		}
		if m.reexecFlag {
			m.reexecFlag = false
			m.doReexec()
		}
	}
	return m.teardown()
}

func (m *Manager) dispatch(ev loopEvent) {
	switch ev.kind {
	case evSignal:
		m.dispatchSignal(ev.sig)
	case evNotify:
		m.dispatchNotify(ev.msg)
	case evCommand:
		m.dispatchCommand(ev.cmd)
	case evTick:
		m.tickMounts()
		m.tickPaths()
	case evUnitTimer:
		if u := m.reg.Get(ev.unitID); u != nil {
			m.reli.SetLastFrame(FrameTimer, nil, nil)
			m.reli.SetLastUnit(u.ID)
			m.reg.TimerFired(u)
			m.reli.ClearLastUnit()
			m.reli.ClearLastFrame()
		}
	case evSocketReady:
		if id, ok := m.socketFdUnits[ev.fd]; ok {
			if u := m.reg.Get(id); u != nil {
				m.stopPoller(ev.fd)
				m.reg.SocketReadable(u)
			}
		}
	}
}

func (m *Manager) dispatchSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGCHLD:
		m.reap()
	case syscall.SIGHUP:
		m.reloadFlag = true
	case syscall.SIGTERM, syscall.SIGINT:
		m.log.Info().Str("signal", sig.String()).Msg("shutdown requested")
		m.shutdownFlag = true
	case syscall.SIGUSR1:
		for _, u := range m.reg.Units() {
			m.log.Info().
				Str("unit", u.ID).
				Str("load", string(u.Load)).
				Str("active", string(u.ActiveState())).
				Str("sub", u.SubState()).
				Msg("unit dump")
		}
	case syscall.SIGUSR2:
		for _, j := range m.jobs.Live().Jobs() {
			m.log.Info().
				Str("job_id", j.ID.String()).
				Str("unit", j.Unit).
				Str("kind", string(j.Kind)).
				Str("stage", string(j.Stage)).
				Msg("job dump")
		}
	}
}

// reap drains every exited child and routes each to its owning unit.
func (m *Manager) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		code := 0
		var sig syscall.Signal
		if ws.Exited() {
			code = ws.ExitStatus()
		} else if ws.Signaled() {
			sig = ws.Signal()
		} else {
			continue
		}
		if u := m.reg.UnitByPid(pid); u != nil {
			m.reli.SetLastFrame(FrameSigchld, u32(uint32(pid)), nil)
			m.reli.SetLastUnit(u.ID)
		}
		m.reg.SigChld(pid, code, sig, ws.CoreDump())
		m.persistPids()
		m.reli.ClearLastUnit()
		m.reli.ClearLastFrame()
	}
}

func (m *Manager) dispatchNotify(msg notify.Message) {
	u := m.reg.UnitByPid(msg.PID)
	if u == nil {
		m.log.Debug().Int("pid", msg.PID).Msg("notify message from unattributed pid")
		return
	}
	if u.Kind != types.UnitService || u.Config == nil {
		return
	}
	sd := u.Service
	allowed := false
	switch u.Config.Service.NotifyAccess {
	case types.NotifyAccessNone:
		allowed = false
	case types.NotifyAccessMain:
		allowed = msg.PID == sd.MainPID
	case types.NotifyAccessExec:
		allowed = msg.PID == sd.MainPID || msg.PID == sd.ControlPID
	case types.NotifyAccessAll:
		allowed = true
	}
	if !allowed {
		m.log.Warn().
			Str("unit", u.ID).
			Int("pid", msg.PID).
			Msg("notify message refused by NotifyAccess policy")
		return
	}
	m.reli.SetLastFrame(FrameNotify, nil, nil)
	m.reli.SetLastUnit(u.ID)
	m.reg.ServiceNotify(u, msg.PID, msg.Fields)
	m.reli.ClearLastUnit()
	m.reli.ClearLastFrame()
}

// tickMounts re-reads /proc/self/mountinfo, keeps the observation, and
// feeds every mount unit's current mounted state into its machine;
// MountInfoEvent acts only where that observation changes the state.
func (m *Manager) tickMounts() {
	points, err := readMountPoints()
	if err != nil {
		return
	}
	m.mountPoints = points
	for _, u := range m.reg.Units() {
		if u.Kind != types.UnitMount || u.Mount == nil {
			continue
		}
		where := u.Where()
		if where == "" {
			continue
		}
		m.reg.MountInfoEvent(u, points[where])
	}
}

func (m *Manager) tickPaths() {
	for _, u := range m.reg.Units() {
		if u.Kind == types.UnitPath && u.Path != nil {
			m.reg.PathCheck(u)
		}
	}
}

// enqueue plans one request with job-frame breadcrumbs around the
// transaction.
func (m *Manager) enqueue(unitID string, kind types.JobKind, mode types.JobMode, force bool) (*job.Job, error) {
	m.reli.SetLastFrame(FrameJob, nil, u32(frameOpExec))
	m.reli.SetLastUnit(unitID)
	defer func() {
		m.reli.ClearLastUnit()
		m.reli.ClearLastFrame()
	}()
	metrics.JobsSubmittedTotal.WithLabelValues(string(kind)).Inc()
	j, err := m.jobs.Exec(unitID, kind, mode, force)
	if err != nil {
		reason := string(types.KindOf(err))
		if reason == "" {
			reason = "other"
		}
		metrics.TransactionsRejectedTotal.WithLabelValues(reason).Inc()
		return nil, err
	}
	m.broker.Publish(events.New(events.EventJobQueued, unitID, string(kind)))
	return j, nil
}

// doReload clears in-memory state and rebuilds it from the store and the
// (possibly changed) unit files.
func (m *Manager) doReload() {
	m.log.Info().Msg("reloading manager configuration")
	metrics.ReloadsTotal.Inc()
	m.broker.Publish(events.New(events.EventManagerReloading, "", "daemon reload"))

	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[string]*time.Timer)
	for fd := range m.socketPollers {
		m.stopPoller(fd)
	}

	sp := unitfile.DefaultSearchPath()
	if len(m.cfg.UnitPaths) > 0 {
		sp = unitfile.SearchPath{Dirs: m.cfg.UnitPaths}
	}
	m.reg = unit.NewRegistry(sp, m.makeHooks())
	m.jobs = job.NewEngine(m.reg)
	m.jobs.OnFinished = m.jobFinished
	m.jobs.OnChanged = m.jobChanged

	_ = m.reli.SetPolicy(reliability.PolicyBuffer)
	m.reli.Recover(true)
	_ = m.reli.SetPolicy(reliability.PolicyCacheAll)
}

// doReexec commits state, keeps pending fds alive, and replaces the
// process image with itself in deserialize mode.
func (m *Manager) doReexec() {
	m.log.Info().Msg("re-executing manager")
	m.broker.Publish(events.New(events.EventManagerReexec, "", "daemon re-exec"))
	if err := m.reli.Commit(); err != nil {
		m.log.Error().Err(err).Msg("commit before re-exec failed; refusing to exec")
		return
	}
	m.reli.FdDisinheritAll()
	if m.cmdSrv != nil {
		_ = m.cmdSrv.Close()
	}
	if m.notifySrv != nil {
		_ = m.notifySrv.Close()
	}
	self, err := os.Executable()
	if err != nil {
		m.log.Error().Err(err).Msg("cannot resolve own executable")
		return
	}
	env := append(os.Environ(), "MANAGER="+strconv.Itoa(os.Getpid()))
	args := []string{self, "daemon", "--deserialize"}
	if err := unix.Exec(self, args, env); err != nil {
		m.log.Error().Err(err).Msg("execve failed")
	}
}

func (m *Manager) teardown() error {
	m.log.Info().Msg("manager shutting down")
	if m.cmdSrv != nil {
		_ = m.cmdSrv.Close()
	}
	if m.notifySrv != nil {
		_ = m.notifySrv.Close()
	}
	m.broker.Stop()
	return m.reli.Close()
}

// RequestShutdown flags the loop to exit; usable from tests.
func (m *Manager) RequestShutdown() {
	m.shutdownFlag = true
}
