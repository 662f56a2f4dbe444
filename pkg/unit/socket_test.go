package unit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
)

func (h *testHarness) addSocket(t *testing.T, id string, sk unitfile.SocketSection) *Unit {
	t.Helper()
	cfg := &unitfile.Config{}
	cfg.Unit.StartLimitInterval = 10 * time.Second
	cfg.Unit.StartLimitBurst = 5
	if sk.SocketMode == "" {
		sk.SocketMode = "0666"
	}
	cfg.Socket = sk
	u, err := h.reg.AddTransient(id, cfg)
	require.NoError(t, err)
	return u
}

// TestSocketOpensUnixListener tests that starting a socket unit opens its
// Listen directives and reaches the listening state.
func TestSocketOpensUnixListener(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "api.sock")
	u := h.addSocket(t, "api.socket", unitfile.SocketSection{
		ListenStream: []string{path},
	})

	var registered []int
	h.reg.hooks.RegisterSocketFd = func(u *Unit, fd int, name string) {
		registered = append(registered, fd)
	}
	h.reg.hooks.UnregisterSocketFds = func(u *Unit) { registered = nil }

	require.NoError(t, h.reg.Start(u))
	assert.Equal(t, types.SocketListening, u.Socket.State)
	require.Len(t, u.Socket.Fds, 1)
	assert.Equal(t, registered, []int{u.Socket.Fds[0].Fd})

	// The fd is a real listening socket with nothing queued yet.
	require.NoError(t, unix.SetNonblock(u.Socket.Fds[0].Fd, true))
	accepted, _, err := unix.Accept(u.Socket.Fds[0].Fd)
	if err == nil {
		unix.Close(accepted)
	}
	assert.ErrorIs(t, err, unix.EAGAIN, "no pending connection yet")

	require.NoError(t, h.reg.Stop(u))
	assert.Equal(t, types.SocketDead, u.Socket.State)
	assert.Empty(t, u.Socket.Fds)
}

// TestSocketActivationTriggersService tests the trigger edge on incoming
// traffic.
func TestSocketActivationTriggersService(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "svc.sock")
	u := h.addSocket(t, "svc.socket", unitfile.SocketSection{
		ListenStream: []string{path},
	})
	require.NoError(t, h.reg.AddDep("svc.socket", graph.Triggers, "svc.service"))

	require.NoError(t, h.reg.Start(u))
	h.reg.SocketReadable(u)

	assert.Equal(t, []string{"svc.service"}, h.startQueue)
	assert.Equal(t, types.SocketRunning, u.Socket.State)

	// The activated service going down returns the socket to listening.
	h.reg.TriggeredUnitChanged(u, types.ActiveStateInactive)
	assert.Equal(t, types.SocketListening, u.Socket.State)
}
