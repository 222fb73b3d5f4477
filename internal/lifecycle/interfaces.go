package lifecycle

import (
	"context"
	"time"

	"github.com/nonos/noxterm/internal/docker"
	"github.com/nonos/noxterm/internal/store"
)

// Store is the slice of the session store the reconciler needs.
type Store interface {
	SweepExpired(now time.Time) ([]*store.Session, error)
	ListSessions(tenant, status string, limit int) ([]*store.Session, error)
	MarkDisconnected(id string, grace time.Duration) error
	RecordMetrics(sample *store.MetricsSample) error
	AppendAudit(ev *store.AuditEvent) error
	CleanupAll() (*store.CleanupCounts, error)
}

// Runtime is the container controller surface the reconciler needs.
type Runtime interface {
	StopAndRemove(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	StatsSample(ctx context.Context, containerID string) (*docker.Stats, error)
	ListSessionContainers(ctx context.Context) ([]docker.ContainerInfo, error)
}
