// Package privacy supervises the anonymizing SOCKS relay that session
// containers can route their egress through.
package privacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nonos/noxterm/internal/config"
)

type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

var (
	ErrAlreadyRunning = errors.New("relay already running")
	ErrNotRunning     = errors.New("relay not running")
)

const (
	readyRetries  = 30
	readyInterval = time.Second
	stopGrace     = 10 * time.Second
)

// checkURL reports the exit IP and whether it belongs to the relay
// network.
const checkURL = "https://check.en.anyone.tech/api/ip"

// Supervisor manages one relay child process. All state changes hold
// the mutex; the child is never restarted automatically.
type Supervisor struct {
	socksPort   int
	controlPort int
	logger      *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	status  Status
	lastErr string
}

func NewSupervisor(cfg config.PrivacyConfig, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		socksPort:   cfg.SocksPort,
		controlPort: cfg.ControlPort,
		logger:      logger,
		status:      StatusStopped,
	}
}

// SocksAddr is the relay endpoint as seen from the host.
func (s *Supervisor) SocksAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", s.socksPort)
}

// ContainerProxyAddr is the relay endpoint as seen from inside a
// session container, via the host gateway alias.
func (s *Supervisor) ContainerProxyAddr() string {
	return fmt.Sprintf("host.docker.internal:%d", s.socksPort)
}

// Enabled reports whether new containers should be wired for proxied
// egress.
func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning
}

// State is the API view of the supervisor.
type State struct {
	Status      Status `json:"status"`
	SocksPort   int    `json:"socks_port"`
	ControlPort int    `json:"control_port"`
	Error       string `json:"error,omitempty"`
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Status:      s.status,
		SocksPort:   s.socksPort,
		ControlPort: s.controlPort,
		Error:       s.lastErr,
	}
}

// Start spawns the relay and waits for its SOCKS port to accept
// connections. Starting while running is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusRunning, StatusStarting:
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStarting
	s.lastErr = ""
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.status = StatusError
		s.lastErr = err.Error()
		s.cmd = nil
		s.mu.Unlock()
		return err
	}

	for _, port := range []int{s.socksPort, s.controlPort} {
		if !portFree(port) {
			return fail(fmt.Errorf("port %d already in use", port))
		}
	}

	cmd := exec.Command("npx", "@anyone-protocol/anyone-client",
		"-s", fmt.Sprint(s.socksPort),
		"-c", fmt.Sprint(s.controlPort),
		"-v")
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("starting relay: %w", err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	// reap the child and record unexpected exits
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cmd != cmd {
			return // superseded by Stop
		}
		s.cmd = nil
		if s.status == StatusStopping || s.status == StatusStopped {
			s.status = StatusStopped
			return
		}
		s.status = StatusError
		if err != nil {
			s.lastErr = err.Error()
		} else {
			s.lastErr = "relay exited unexpectedly"
		}
		s.logger.Error("relay exited", "error", s.lastErr)
	}()

	if err := s.waitReady(ctx); err != nil {
		s.killChild()
		return fail(fmt.Errorf("relay not ready: %w", err))
	}

	s.mu.Lock()
	s.status = StatusRunning
	s.mu.Unlock()
	s.logger.Info("relay running", "socks_port", s.socksPort, "control_port", s.controlPort)
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	addr := s.SocksAddr()
	for i := 0; i < readyRetries; i++ {
		conn, err := net.DialTimeout("tcp", addr, readyInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyInterval):
		}
	}
	return fmt.Errorf("socks port %d never came up", s.socksPort)
}

// Stop terminates the relay: SIGTERM, a grace period, then SIGKILL.
// Stopping a stopped relay succeeds.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	if cmd == nil {
		s.status = StatusStopped
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	s.cmd = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.logger.Warn("relay ignored SIGTERM, killing")
		cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
	s.logger.Info("relay stopped")
	return nil
}

// killChild detaches and kills the relay process, if any.
func (s *Supervisor) killChild() {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// CheckResult is the relay network's view of our egress.
type CheckResult struct {
	IsRelayed bool   `json:"is_relayed"`
	ExitIP    string `json:"exit_ip"`
}

// TestConnection issues a request through the SOCKS endpoint and
// reports the exit IP the far side sees.
func (s *Supervisor) TestConnection(ctx context.Context) (*CheckResult, error) {
	if !s.Enabled() {
		return nil, ErrNotRunning
	}

	dialer, err := proxy.SOCKS5("tcp", s.SocksAddr(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks dialer: %w", err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
	}
	client := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxied request: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		IsAnyone bool   `json:"IsAnyone"`
		IP       string `json:"IP"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding check response: %w", err)
	}
	return &CheckResult{IsRelayed: body.IsAnyone, ExitIP: body.IP}, nil
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
