package command

import (
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// Op is a client-requested operation.
type Op string

const (
	OpStart        Op = "start"
	OpStop         Op = "stop"
	OpRestart      Op = "restart"
	OpReload       Op = "reload"
	OpIsolate      Op = "isolate"
	OpStatus       Op = "status"
	OpListUnits    Op = "list-units"
	OpListJobs     Op = "list-jobs"
	OpMonitor      Op = "monitor"
	OpDaemonReload Op = "daemon-reload"
	OpDaemonReexec Op = "daemon-reexec"
)

// Request is one client request, msgpack-encoded on the stream.
type Request struct {
	Op    Op     `msgpack:"op"`
	Unit  string `msgpack:"unit"`
	Mode  string `msgpack:"mode"`
	Force bool   `msgpack:"force"`
}

// UnitStatus is the status projection of one unit.
type UnitStatus struct {
	ID          string `msgpack:"id"`
	Description string `msgpack:"description"`
	LoadState   string `msgpack:"load_state"`
	ActiveState string `msgpack:"active_state"`
	SubState    string `msgpack:"sub_state"`
	MainPID     int    `msgpack:"main_pid"`
	StatusText  string `msgpack:"status_text"`
}

// JobStatus is the status projection of one job.
type JobStatus struct {
	ID    string `msgpack:"id"`
	Unit  string `msgpack:"unit"`
	Kind  string `msgpack:"kind"`
	Stage string `msgpack:"stage"`
}

// EventRecord is one streamed monitor event.
type EventRecord struct {
	Type    string `msgpack:"type"`
	Unit    string `msgpack:"unit"`
	Message string `msgpack:"message"`
}

// Response answers one request. For OpMonitor the server keeps streaming
// EventRecord frames after the initial response.
type Response struct {
	OK     bool         `msgpack:"ok"`
	Error  string       `msgpack:"error"`
	Result string       `msgpack:"result"`
	Units  []UnitStatus `msgpack:"units"`
	Jobs   []JobStatus  `msgpack:"jobs"`
}

// Handler processes one request. For OpMonitor, stream is non-nil and the
// handler sends EventRecord frames on it until the subscription ends.
type Handler func(req Request, stream func(EventRecord) error) Response

// Server accepts client connections on a unix stream socket and forwards
// requests to the handler. Handlers run on the caller's goroutine chain;
// the manager serializes them through its event loop.
type Server struct {
	path    string
	ln      *net.UnixListener
	handler Handler
	log     zerolog.Logger
}

// NewServer binds the command socket.
func NewServer(path string, handler Handler) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, types.WrapError(types.ErrIo, "creating command directory", err)
	}
	_ = os.Remove(path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, types.WrapError(types.ErrIo, "binding command socket "+path, err)
	}
	return &Server{path: path, ln: ln, handler: handler, log: log.WithComponent("command")}, nil
}

// Serve accepts connections until the listener closes. Run on its own
// goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			s.log.Debug().Err(err).Msg("command socket closed")
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn *net.UnixConn) {
	defer conn.Close()
	dec := msgpack.NewDecoder(conn)
	enc := msgpack.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		stream := func(ev EventRecord) error { return enc.Encode(ev) }
		resp := s.handler(req, stream)
		if err := enc.Encode(resp); err != nil {
			return
		}
		if req.Op == OpMonitor {
			// The handler streamed until the subscription ended; the
			// final response above terminates the session.
			return
		}
	}
}

// Close stops accepting and unlinks the socket.
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

// Client is the CLI side of the command channel.
type Client struct {
	conn *net.UnixConn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

// Dial connects to the daemon's command socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, types.WrapError(types.ErrActionEComm, "connecting to "+path, err)
	}
	return &Client{conn: conn, enc: msgpack.NewEncoder(conn), dec: msgpack.NewDecoder(conn)}, nil
}

// Do sends one request and reads its response.
func (c *Client) Do(req Request) (*Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return nil, types.WrapError(types.ErrActionEComm, "sending request", err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return nil, types.WrapError(types.ErrActionEComm, "reading response", err)
	}
	return &resp, nil
}

// Monitor streams events, invoking cb per event, until the connection
// drops or cb returns false.
func (c *Client) Monitor(cb func(EventRecord) bool) error {
	if err := c.enc.Encode(Request{Op: OpMonitor}); err != nil {
		return types.WrapError(types.ErrActionEComm, "sending monitor request", err)
	}
	for {
		var ev EventRecord
		if err := c.dec.Decode(&ev); err != nil {
			return nil
		}
		if ev.Type == "" {
			// Terminating Response frame.
			return nil
		}
		if !cb(ev) {
			return nil
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }
