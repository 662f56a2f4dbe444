package unit

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
	"golang.org/x/sys/unix"
)

// ListenFd is one open listen descriptor owned by a socket unit.
type ListenFd struct {
	Fd     int
	Name   string
	Stream bool
}

// SocketData is the socket machine's mutable state.
type SocketData struct {
	State      types.SocketState
	Result     types.ServiceResult
	ControlPID int

	ctrlType  ExecCmdType
	ctrlQueue []unitfile.Command

	Fds []ListenFd
}

func newSocketData(cfg *unitfile.Config) *SocketData {
	return &SocketData{State: types.SocketDead, Result: types.ResultSuccess}
}

func (r *Registry) setSocketState(u *Unit, state types.SocketState) {
	old := u.ActiveState()
	u.Socket.State = state
	r.setState(u, old)
}

func (r *Registry) socketStart(u *Unit) error {
	sk := u.Socket
	if sk == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no socket data")
	}
	switch sk.State {
	case types.SocketStopPre, types.SocketStopPost:
		return types.NewError(types.ErrActionEAgain, u.ID+" is shutting down")
	case types.SocketStartPre, types.SocketStartOpen, types.SocketListening, types.SocketRunning:
		return types.NewError(types.ErrActionEAlready, u.ID+" is already started")
	}
	if !u.StartLimitTest(r.Now()) {
		sk.Result = types.ResultFailureStartLimitHit
		r.setSocketState(u, types.SocketFailed)
		return types.NewError(types.ErrActionEFailed, u.ID+" start request repeated too quickly")
	}
	sk.Result = types.ResultSuccess
	if cmds := u.Config.Socket.ExecStartPre; len(cmds) > 0 {
		r.setSocketState(u, types.SocketStartPre)
		r.socketRunControl(u, ExecStartPre, cmds)
		return nil
	}
	return r.socketEnterOpen(u)
}

func (r *Registry) socketEnterOpen(u *Unit) error {
	sk := u.Socket
	r.setSocketState(u, types.SocketStartOpen)
	cfg := &u.Config.Socket
	for _, addr := range cfg.ListenStream {
		fd, err := openListenFd(addr, true, cfg)
		if err != nil {
			r.socketCloseFds(u)
			sk.Result = types.ResultFailureResources
			r.setSocketState(u, types.SocketFailed)
			return types.WrapError(types.ErrIo, "opening "+addr, err)
		}
		sk.Fds = append(sk.Fds, ListenFd{Fd: fd, Name: u.ID, Stream: true})
	}
	for _, addr := range cfg.ListenDatagram {
		fd, err := openListenFd(addr, false, cfg)
		if err != nil {
			r.socketCloseFds(u)
			sk.Result = types.ResultFailureResources
			r.setSocketState(u, types.SocketFailed)
			return types.WrapError(types.ErrIo, "opening "+addr, err)
		}
		sk.Fds = append(sk.Fds, ListenFd{Fd: fd, Name: u.ID, Stream: false})
	}
	if r.hooks.RegisterSocketFd != nil {
		for _, lf := range sk.Fds {
			r.hooks.RegisterSocketFd(u, lf.Fd, lf.Name)
		}
	}
	r.setSocketState(u, types.SocketListening)
	return nil
}

func (r *Registry) socketStop(u *Unit) error {
	sk := u.Socket
	if sk == nil {
		return types.NewError(types.ErrActionEBadR, u.ID+" has no socket data")
	}
	switch sk.State {
	case types.SocketDead, types.SocketFailed:
		return types.NewError(types.ErrActionEAlready, u.ID+" is not listening")
	case types.SocketStopPre, types.SocketStopPost:
		return types.NewError(types.ErrActionEAlready, u.ID+" stop already in progress")
	}
	r.socketCloseFds(u)
	if cmds := u.Config.Socket.ExecStopPost; len(cmds) > 0 {
		r.setSocketState(u, types.SocketStopPost)
		r.socketRunControl(u, ExecStopPost, cmds)
		return nil
	}
	r.setSocketState(u, types.SocketDead)
	return nil
}

func (r *Registry) socketCloseFds(u *Unit) {
	sk := u.Socket
	if r.hooks.UnregisterSocketFds != nil {
		r.hooks.UnregisterSocketFds(u)
	}
	for _, lf := range sk.Fds {
		_ = unix.Close(lf.Fd)
	}
	sk.Fds = nil
}

func (r *Registry) socketRunControl(u *Unit, ctype ExecCmdType, cmds []unitfile.Command) {
	sk := u.Socket
	sk.ctrlType = ctype
	sk.ctrlQueue = append([]unitfile.Command{}, cmds...)
	r.socketSpawnNextControl(u)
}

func (r *Registry) socketSpawnNextControl(u *Unit) {
	sk := u.Socket
	if len(sk.ctrlQueue) == 0 {
		return
	}
	cmd := sk.ctrlQueue[0]
	sk.ctrlQueue = sk.ctrlQueue[1:]
	pid, err := r.hooks.Spawn(u, cmd, nil, 0)
	if err != nil {
		sk.ControlPID = 0
		r.socketCtrlDispatch(u, false)
		return
	}
	sk.ControlPID = pid
	r.AttachPid(pid, u.ID)
}

func (r *Registry) socketSigChld(u *Unit, pid, code int, sig syscall.Signal) {
	sk := u.Socket
	if sk == nil || pid != sk.ControlPID {
		return
	}
	sk.ControlPID = 0
	success := code == 0 && sig == 0
	if success && len(sk.ctrlQueue) > 0 {
		r.socketSpawnNextControl(u)
		return
	}
	r.socketCtrlDispatch(u, success)
}

func (r *Registry) socketCtrlDispatch(u *Unit, success bool) {
	sk := u.Socket
	switch sk.ctrlType {
	case ExecStartPre:
		if !success {
			sk.Result = types.ResultFailureExitCode
			r.setSocketState(u, types.SocketFailed)
			return
		}
		if err := r.socketEnterOpen(u); err != nil {
			r.log.Error().Err(err).Str("unit", u.ID).Msg("failed to open listen sockets")
		}
	case ExecStopPost:
		if !success {
			sk.Result = types.ResultFailureExitCode
			r.setSocketState(u, types.SocketFailed)
			return
		}
		if sk.Result == types.ResultSuccess {
			r.setSocketState(u, types.SocketDead)
		} else {
			r.setSocketState(u, types.SocketFailed)
		}
	}
}

// SocketReadable is called when a listen fd shows incoming traffic: the
// triggered unit is started and the socket records the hand-off.
func (r *Registry) SocketReadable(u *Unit) {
	sk := u.Socket
	if sk == nil || sk.State != types.SocketListening {
		return
	}
	for _, target := range r.graph.GetAtom(u.ID, graph.AtomTriggers) {
		r.log.Info().Str("unit", u.ID).Str("target", target).Msg("socket activation")
		r.hooks.EnqueueStart(target, true)
	}
	r.setSocketState(u, types.SocketRunning)
}

// TriggeredUnitChanged lets a socket fall back to listening once the
// service it activated goes down again.
func (r *Registry) TriggeredUnitChanged(u *Unit, targetActive types.ActiveState) {
	sk := u.Socket
	if sk == nil {
		return
	}
	if sk.State == types.SocketRunning && targetActive.IsInactiveOrFailed() {
		r.setSocketState(u, types.SocketListening)
	}
}

// openListenFd opens one Listen directive. Addresses starting with "/" are
// unix sockets; otherwise "host:port" or bare port TCP/UDP.
func openListenFd(addr string, stream bool, cfg *unitfile.SocketSection) (int, error) {
	if strings.HasPrefix(addr, "/") {
		return openUnixFd(addr, stream, cfg)
	}
	hostport := addr
	if !strings.Contains(hostport, ":") {
		hostport = ":" + hostport
	}
	if stream {
		l, err := net.Listen("tcp", hostport)
		if err != nil {
			return -1, err
		}
		defer l.Close()
		f, err := l.(*net.TCPListener).File()
		if err != nil {
			return -1, err
		}
		return rawFd(f)
	}
	pc, err := net.ListenPacket("udp", hostport)
	if err != nil {
		return -1, err
	}
	defer pc.Close()
	f, err := pc.(*net.UDPConn).File()
	if err != nil {
		return -1, err
	}
	return rawFd(f)
}

// rawFd extracts a descriptor the socket unit owns outright. File() hands
// out an *os.File whose finalizer would close the fd once the File is
// unreachable, so the unit keeps a dup instead and the File is closed
// here.
func rawFd(f *os.File) (int, error) {
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func openUnixFd(path string, stream bool, cfg *unitfile.SocketSection) (int, error) {
	typ := unix.SOCK_STREAM
	if !stream {
		typ = unix.SOCK_DGRAM
	}
	fd, err := unix.Socket(unix.AF_UNIX, typ, 0)
	if err != nil {
		return -1, err
	}
	_ = os.Remove(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if mode, err := strconv.ParseUint(cfg.SocketMode, 8, 32); err == nil {
		_ = os.Chmod(path, os.FileMode(mode))
	}
	if cfg.PassCredentials {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("SO_PASSCRED: %w", err)
		}
	}
	if stream {
		if err := unix.Listen(fd, 128); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

// RestoreSocket re-adopts listen fds inherited across re-exec. When no fds
// survived the socket reopens its Listen directives.
func (r *Registry) RestoreSocket(u *Unit, fds []ListenFd) {
	sk := u.Socket
	if sk == nil {
		return
	}
	if len(fds) == 0 {
		sk.State = types.SocketDead
		if err := r.socketStart(u); err != nil {
			r.log.Warn().Err(err).Str("unit", u.ID).Msg("cannot reopen listen sockets")
		}
		return
	}
	sk.Fds = fds
	if r.hooks.RegisterSocketFd != nil {
		for _, lf := range fds {
			r.hooks.RegisterSocketFd(u, lf.Fd, lf.Name)
		}
	}
	sk.State = types.SocketListening
}
