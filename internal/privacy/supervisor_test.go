package privacy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonos/noxterm/internal/config"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSupervisor(config.PrivacyConfig{SocksPort: 9050, ControlPort: 9051}, logger)
}

func TestInitialState(t *testing.T) {
	s := newTestSupervisor(t)
	state := s.State()
	assert.Equal(t, StatusStopped, state.Status)
	assert.Equal(t, 9050, state.SocksPort)
	assert.Equal(t, 9051, state.ControlPort)
	assert.False(t, s.Enabled())
}

func TestAddrs(t *testing.T) {
	s := newTestSupervisor(t)
	assert.Equal(t, "127.0.0.1:9050", s.SocksAddr())
	assert.Equal(t, "host.docker.internal:9050", s.ContainerProxyAddr())
}

func TestPortFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, portFree(port))

	ln.Close()
	assert.True(t, portFree(port))
}

func TestStartFailsOnOccupiedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSupervisor(config.PrivacyConfig{SocksPort: port, ControlPort: port}, logger)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("port %d", port))

	state := s.State()
	assert.Equal(t, StatusError, state.Status)
	assert.NotEmpty(t, state.Error)
	assert.False(t, s.Enabled())
}

func TestStopWhenStopped(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StatusStopped, s.State().Status)
}

func TestConnectionRequiresRunning(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.TestConnection(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}
