package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nonos/noxterm/internal/config"
	"github.com/nonos/noxterm/internal/docker"
	"github.com/nonos/noxterm/internal/security"
	"github.com/nonos/noxterm/internal/store"
)

// Sentinel errors, mapped to HTTP statuses by the API layer.
var (
	ErrNotFound      = errors.New("session not found")
	ErrTerminated    = errors.New("session terminated")
	ErrBusy          = errors.New("session already attached")
	ErrQuotaExceeded = errors.New("container limit reached")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInvalidInput  = errors.New("invalid input")
)

const rateEndpointCreate = "session_create"

// Manager owns every session status transition. All writes go through
// the store before they are observable; the only in-memory state is
// the attacher registry.
type Manager struct {
	cfg     *config.Config
	store   Store
	runtime Runtime
	egress  Egress
	logger  *slog.Logger

	mu       sync.Mutex
	attached map[string]chan struct{} // session id -> stream shutdown signal
}

func NewManager(cfg *config.Config, st Store, rt Runtime, egress Egress, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		runtime:  rt,
		egress:   egress,
		logger:   logger,
		attached: make(map[string]chan struct{}),
	}
}

type CreateOpts struct {
	Tenant    string
	Image     string
	ClientIP  string
	UserAgent string
	Metadata  map[string]string
}

// Info is the API view of a session.
type Info struct {
	ID             string     `json:"session_id"`
	Tenant         string     `json:"user_id"`
	Status         string     `json:"status"`
	ContainerID    string     `json:"container_id,omitempty"`
	ContainerName  string     `json:"container_name,omitempty"`
	Image          string     `json:"image"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivity   time.Time  `json:"last_activity"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	WebsocketURL   string     `json:"websocket_url,omitempty"`
}

func (m *Manager) info(sess *store.Session) *Info {
	info := &Info{
		ID:             sess.ID,
		Tenant:         sess.Tenant,
		Status:         sess.Status,
		ContainerID:    sess.ContainerID,
		ContainerName:  sess.ContainerName,
		Image:          sess.Image,
		CreatedAt:      sess.CreatedAt,
		LastActivity:   sess.LastActivity,
		DisconnectedAt: sess.DisconnectedAt,
		ExpiresAt:      sess.ExpiresAt,
	}
	if sess.Status == store.StatusCreated || sess.Status == store.StatusRunning || sess.Status == store.StatusDisconnected {
		info.WebsocketURL = "/pty/" + sess.ID
	}
	return info
}

// Grace returns the configured reattach window.
func (m *Manager) Grace() time.Duration {
	return time.Duration(m.cfg.Lifecycle.GracePeriodSeconds) * time.Second
}

// Create admits, persists and provisions a new session. Admission
// order: input validation, rate bucket, tenant quota. The row is
// durable as `created` before any container work starts; provisioning
// failure terminates the row.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*Info, error) {
	if !security.ValidateTenant(opts.Tenant) {
		return nil, fmt.Errorf("%w: user id", ErrInvalidInput)
	}
	if opts.Image == "" {
		opts.Image = m.cfg.Container.DefaultImage
	}
	if !security.ValidateImage(opts.Image) || !m.isImageAllowed(opts.Image) {
		return nil, fmt.Errorf("%w: image %q not allowed", ErrInvalidInput, opts.Image)
	}

	if m.cfg.RateLimit.Enabled {
		identifier := opts.ClientIP
		if identifier == "" {
			identifier = opts.Tenant
		}
		window := time.Duration(m.cfg.RateLimit.SessionCreateWindow) * time.Second
		ok, count, err := m.store.CheckAndIncrRate(identifier, rateEndpointCreate, m.cfg.RateLimit.SessionCreateLimit, window)
		if err != nil {
			return nil, fmt.Errorf("rate check: %w", err)
		}
		if !ok {
			m.appendAudit(&store.AuditEvent{
				Tenant:    opts.Tenant,
				EventType: store.EventRateLimitExceeded,
				EventData: map[string]any{"endpoint": rateEndpointCreate, "count": count},
				IPAddress: opts.ClientIP,
			})
			return nil, ErrRateLimited
		}
	}

	active, err := m.store.ActiveSessionCount(opts.Tenant)
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if active >= m.cfg.MaxSessionsPerUser {
		return nil, fmt.Errorf("%w: %d active", ErrQuotaExceeded, active)
	}

	memBytes, err := m.cfg.MemoryBytes()
	if err != nil {
		return nil, fmt.Errorf("memory limit: %w", err)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           uuid.New().String(),
		Tenant:       opts.Tenant,
		Status:       store.StatusCreated,
		Image:        opts.Image,
		CreatedAt:    now,
		LastActivity: now,
		MemoryBytes:  memBytes,
		CPUFraction:  float64(m.cfg.Container.CPUQuota) / float64(m.cfg.Container.CPUPeriod),
		PidsLimit:    m.cfg.Container.PidsLimit,
		Metadata:     opts.Metadata,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	m.appendAudit(&store.AuditEvent{
		SessionID: sess.ID,
		Tenant:    sess.Tenant,
		EventType: store.EventSessionCreated,
		EventData: map[string]any{"image": sess.Image},
		IPAddress: opts.ClientIP,
		UserAgent: opts.UserAgent,
	})

	if err := m.provision(ctx, sess); err != nil {
		m.logger.Error("provisioning failed", "session_id", sess.ID, "error", err)
		if terr := m.store.Terminate(sess.ID); terr != nil {
			m.logger.Error("terminating failed session", "session_id", sess.ID, "error", terr)
		}
		m.appendAudit(&store.AuditEvent{
			SessionID: sess.ID,
			Tenant:    sess.Tenant,
			EventType: store.EventSessionTerminated,
			EventData: map[string]any{"reason": "provisioning_failed", "error": err.Error()},
		})
		return nil, fmt.Errorf("provisioning session: %w", err)
	}

	created, err := m.store.GetSession(sess.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("session created",
		"session_id", sess.ID, "user_id", sess.Tenant, "image", sess.Image,
		"container", created.ContainerName)
	return m.info(created), nil
}

func (m *Manager) provision(ctx context.Context, sess *store.Session) error {
	if err := m.runtime.EnsureImage(ctx, sess.Image); err != nil {
		return err
	}

	createCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	opts := docker.CreateOpts{
		SessionID:    sess.ID,
		Tenant:       sess.Tenant,
		Image:        sess.Image,
		MemoryBytes:  sess.MemoryBytes,
		CPUQuota:     m.cfg.Container.CPUQuota,
		CPUPeriod:    m.cfg.Container.CPUPeriod,
		PidsLimit:    sess.PidsLimit,
		ReadonlyRoot: m.cfg.Container.ReadonlyRoot,
	}
	if m.egress != nil && m.egress.Enabled() {
		opts.SocksProxy = m.egress.ContainerProxyAddr()
	}

	containerID, name, err := m.runtime.CreateAndStart(createCtx, opts)
	if err != nil {
		return err
	}

	if err := m.store.BindContainer(sess.ID, containerID, name); err != nil {
		m.runtime.StopAndRemove(context.WithoutCancel(ctx), containerID)
		return err
	}
	m.appendAudit(&store.AuditEvent{
		SessionID: sess.ID,
		Tenant:    sess.Tenant,
		EventType: store.EventContainerStarted,
		EventData: map[string]any{"container_id": containerID, "container_name": name},
	})
	sess.ContainerID = containerID
	sess.ContainerName = name

	if err := m.runtime.WaitReady(createCtx, containerID); err != nil {
		// shell works before provisioning finishes; don't fail the session
		m.logger.Warn("container readiness probe timed out", "session_id", sess.ID, "error", err)
	}
	return nil
}

func (m *Manager) isImageAllowed(img string) bool {
	for _, allowed := range m.cfg.Container.AllowedImages {
		if img == allowed {
			return true
		}
	}
	return false
}

// Get returns the session view or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Info, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return m.info(sess), nil
}

func (m *Manager) List(ctx context.Context, tenant, status string) ([]*Info, error) {
	sessions, err := m.store.ListSessions(tenant, status, 0)
	if err != nil {
		return nil, err
	}
	infos := make([]*Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, m.info(sess))
	}
	return infos, nil
}

// ActiveCount reports how many container-holding sessions a tenant has.
func (m *Manager) ActiveCount(tenant string) (int, error) {
	return m.store.ActiveSessionCount(tenant)
}

// resolveAttachable loads a session and applies the grace-window
// rules shared by Attach and Reattach. A disconnected session whose
// deadline has passed is terminated on the spot.
func (m *Manager) resolveAttachable(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	switch sess.Status {
	case store.StatusTerminated:
		return nil, ErrTerminated
	case store.StatusDisconnected:
		if sess.ExpiresAt != nil && !time.Now().Before(*sess.ExpiresAt) {
			m.terminateExpired(ctx, sess)
			return nil, ErrTerminated
		}
	}
	return sess, nil
}

func (m *Manager) terminateExpired(ctx context.Context, sess *store.Session) {
	if sess.ContainerID != "" {
		if err := m.runtime.StopAndRemove(ctx, sess.ContainerID); err != nil {
			m.logger.Error("stopping expired container", "session_id", sess.ID, "error", err)
		}
	}
	if err := m.store.Terminate(sess.ID); err != nil {
		m.logger.Error("terminating expired session", "session_id", sess.ID, "error", err)
		return
	}
	m.appendAudit(&store.AuditEvent{
		SessionID: sess.ID,
		Tenant:    sess.Tenant,
		EventType: store.EventSessionTerminated,
		EventData: map[string]any{"reason": "grace_period_expired"},
	})
}

// Attach registers a live stream for the session and returns its
// shutdown channel. A second attach while one is live is rejected
// with ErrBusy; the holder keeps the stream. A disconnected session
// within its grace window is moved back to running.
func (m *Manager) Attach(ctx context.Context, id string) (*store.Session, chan struct{}, error) {
	sess, err := m.resolveAttachable(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	if _, live := m.attached[id]; live {
		m.mu.Unlock()
		return nil, nil, ErrBusy
	}
	shutdown := make(chan struct{})
	m.attached[id] = shutdown
	m.mu.Unlock()

	if sess.Status == store.StatusDisconnected {
		if err := m.store.ClearDisconnect(id); err != nil {
			m.releaseAttach(id)
			return nil, nil, fmt.Errorf("clearing disconnect: %w", err)
		}
	}
	m.appendAudit(&store.AuditEvent{
		SessionID: id,
		Tenant:    sess.Tenant,
		EventType: store.EventSessionConnected,
	})
	return sess, shutdown, nil
}

// Detach unregisters the stream. When disconnect is true the session
// enters its grace window; a stream torn down by Terminate passes
// false because the row is already terminal.
func (m *Manager) Detach(id string, tenant string, disconnect bool) {
	m.releaseAttach(id)
	if !disconnect {
		return
	}
	if err := m.store.MarkDisconnected(id, m.Grace()); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("marking disconnected", "session_id", id, "error", err)
		}
		return
	}
	m.appendAudit(&store.AuditEvent{
		SessionID: id,
		Tenant:    tenant,
		EventType: store.EventSessionDisconnected,
		EventData: map[string]any{"grace_seconds": m.cfg.Lifecycle.GracePeriodSeconds},
	})
	m.logger.Info("session disconnected", "session_id", id, "grace_seconds", m.cfg.Lifecycle.GracePeriodSeconds)
}

func (m *Manager) releaseAttach(id string) {
	m.mu.Lock()
	delete(m.attached, id)
	m.mu.Unlock()
}

// Attached reports whether a stream currently holds the session.
func (m *Manager) Attached(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, live := m.attached[id]
	return live
}

// InterruptAttached signals the live stream for a session, if any, to
// shut down. Used by Terminate so the socket closes promptly.
func (m *Manager) interruptAttached(id string) {
	m.mu.Lock()
	shutdown, live := m.attached[id]
	if live {
		delete(m.attached, id)
	}
	m.mu.Unlock()
	if live {
		close(shutdown)
	}
}

// Reattach checks that a session can still be attached and returns a
// fresh websocket URL. The actual stream registration happens when the
// socket arrives.
func (m *Manager) Reattach(ctx context.Context, id string) (*Info, error) {
	sess, err := m.resolveAttachable(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Attached(id) {
		return nil, ErrBusy
	}
	return m.info(sess), nil
}

// Terminate tears down the session: live stream interrupted, container
// stopped, row terminated. Exactly one SessionTerminated audit row per
// effective transition; terminating a terminated session is a no-op.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNotFound
	}
	if sess.Status == store.StatusTerminated {
		return nil
	}

	m.interruptAttached(id)

	if sess.ContainerID != "" {
		if err := m.runtime.StopAndRemove(ctx, sess.ContainerID); err != nil {
			// the orphan sweep picks up whatever survives
			m.logger.Error("stopping container", "session_id", id, "error", err)
		} else {
			m.appendAudit(&store.AuditEvent{
				SessionID: id,
				Tenant:    sess.Tenant,
				EventType: store.EventContainerStopped,
				EventData: map[string]any{"container_id": sess.ContainerID},
			})
		}
	}

	if err := m.store.Terminate(id); err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}
	m.appendAudit(&store.AuditEvent{
		SessionID: id,
		Tenant:    sess.Tenant,
		EventType: store.EventSessionTerminated,
		EventData: map[string]any{"reason": "user_requested"},
	})
	m.logger.Info("session terminated", "session_id", id, "user_id", sess.Tenant)
	return nil
}

// Touch advances last_activity.
func (m *Manager) Touch(id string) error {
	err := m.store.TouchSession(id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ValidateCommand screens input on behalf of a session and records a
// security event (plus audit row) when something is blocked.
func (m *Manager) ValidateCommand(sessionID, tenant, input, clientIP string) security.ValidationResult {
	if !m.cfg.ValidateCommands {
		return security.ValidationResult{Safe: true, Severity: security.SeveritySafe}
	}
	result := security.ValidateInput(input)
	if result.Safe {
		return result
	}

	m.logger.Warn("blocked command",
		"session_id", sessionID, "user_id", tenant,
		"severity", result.Severity, "reason", result.Reason)
	if err := m.store.AppendSecurityEvent(&store.SecurityEvent{
		SessionID:    sessionID,
		Tenant:       tenant,
		EventType:    "blocked_command",
		Severity:     string(result.Severity),
		Description:  result.Reason,
		BlockedInput: truncate(input, 500),
		IPAddress:    clientIP,
	}); err != nil {
		m.logger.Error("recording security event", "error", err)
	}
	m.appendAudit(&store.AuditEvent{
		SessionID: sessionID,
		Tenant:    tenant,
		EventType: store.EventSecurityViolation,
		EventData: map[string]any{"severity": string(result.Severity), "reason": result.Reason},
		IPAddress: clientIP,
	})
	return result
}

// AuditCommand records a command execution on the audit trail.
func (m *Manager) AuditCommand(sessionID, tenant, command string) {
	m.appendAudit(&store.AuditEvent{
		SessionID: sessionID,
		Tenant:    tenant,
		EventType: store.EventCommandExecuted,
		EventData: map[string]any{"command": truncate(command, 500)},
	})
}

// appendAudit logs and continues on failure; the audit trail never
// blocks the operation it describes.
func (m *Manager) appendAudit(ev *store.AuditEvent) {
	if err := m.store.AppendAudit(ev); err != nil {
		m.logger.Error("appending audit event", "event_type", ev.EventType, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
