package session

import (
	"context"
	"time"

	"github.com/nonos/noxterm/internal/docker"
	"github.com/nonos/noxterm/internal/store"
)

// Store is the slice of the session store the manager needs.
type Store interface {
	CreateSession(sess *store.Session) error
	GetSession(id string) (*store.Session, error)
	ListSessions(tenant, status string, limit int) ([]*store.Session, error)
	ActiveSessionCount(tenant string) (int, error)
	BindContainer(id, containerID, containerName string) error
	MarkDisconnected(id string, grace time.Duration) error
	ClearDisconnect(id string) error
	Terminate(id string) error
	TouchSession(id string) error
	AppendAudit(ev *store.AuditEvent) error
	AppendSecurityEvent(ev *store.SecurityEvent) error
	CheckAndIncrRate(identifier, endpoint string, limit int, window time.Duration) (bool, int, error)
}

// Runtime is the container controller surface the manager needs.
type Runtime interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateAndStart(ctx context.Context, opts docker.CreateOpts) (id, name string, err error)
	WaitReady(ctx context.Context, containerID string) error
	StopAndRemove(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
}

// Egress reports whether proxied egress is active and where containers
// reach it.
type Egress interface {
	Enabled() bool
	ContainerProxyAddr() string
}
