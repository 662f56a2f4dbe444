package notify

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// Message is one datagram received on the notify socket, with the sender
// credentials the kernel supplied.
type Message struct {
	PID    int
	UID    int
	Fields map[string]string
}

// Server is the unix-datagram notify socket with SO_PASSCRED enabled.
// Services report READY=1, STOPPING=1, RELOADING=1, STATUS=, ERRNO=,
// WATCHDOG=1 and MAINPID= as newline-separated KEY=VALUE lines.
type Server struct {
	path string
	conn *net.UnixConn
	fd   int
	log  zerolog.Logger
}

// NewServer binds the notify socket at path.
func NewServer(path string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, types.WrapError(types.ErrIo, "creating notify directory", err)
	}
	_ = os.Remove(path)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, types.WrapError(types.ErrIo, "binding notify socket "+path, err)
	}
	s := &Server{path: path, conn: conn, fd: -1, log: log.WithComponent("notify")}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, types.WrapError(types.ErrIo, "notify socket rawconn", err)
	}
	var optErr error
	err = raw.Control(func(fd uintptr) {
		s.fd = int(fd)
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
	if err == nil {
		err = optErr
	}
	if err != nil {
		conn.Close()
		return nil, types.WrapError(types.ErrIo, "enabling SO_PASSCRED", err)
	}
	_ = os.Chmod(path, 0666)
	return s, nil
}

// Fd returns the underlying descriptor.
func (s *Server) Fd() int { return s.fd }

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve reads datagrams and delivers parsed messages until the socket
// closes. Run it on its own goroutine; ch feeds the manager loop.
func (s *Server) Serve(ch chan<- Message) {
	buf := make([]byte, 4096)
	oob := make([]byte, 1024)
	for {
		n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			s.log.Debug().Err(err).Msg("notify socket closed")
			return
		}
		msg := Message{PID: -1, UID: -1, Fields: Parse(string(buf[:n]))}
		if cred := parseCred(oob[:oobn]); cred != nil {
			msg.PID = int(cred.Pid)
			msg.UID = int(cred.Uid)
		}
		if msg.PID <= 0 {
			s.log.Warn().Msg("dropping notify message without credentials")
			continue
		}
		ch <- msg
	}
}

// Close shuts the socket down and unlinks it.
func (s *Server) Close() error {
	err := s.conn.Close()
	_ = os.Remove(s.path)
	return err
}

// Parse splits a notify payload into its KEY=VALUE fields.
func Parse(payload string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[k] = v
	}
	return fields
}

func parseCred(oob []byte) *unix.Ucred {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	for _, c := range cmsgs {
		if c.Header.Level == unix.SOL_SOCKET && c.Header.Type == unix.SCM_CREDENTIALS {
			cred, err := unix.ParseUnixCredentials(&c)
			if err == nil {
				return cred
			}
		}
	}
	return nil
}
