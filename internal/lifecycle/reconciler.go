// Package lifecycle runs the background reconciler: grace-window
// expiry, container health probing, metrics persistence, and orphan
// container cleanup.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nonos/noxterm/internal/config"
	"github.com/nonos/noxterm/internal/docker"
	"github.com/nonos/noxterm/internal/store"
)

// callTimeout bounds each runtime/store interaction inside a tick.
const callTimeout = 30 * time.Second

// Health is the cached view of one running session's container.
type Health struct {
	SessionID string       `json:"session_id"`
	Stats     docker.Stats `json:"stats"`
	SampledAt time.Time    `json:"sampled_at"`
}

type Reconciler struct {
	store   Store
	runtime Runtime
	logger  *slog.Logger

	grace           time.Duration
	sweepInterval   time.Duration
	healthInterval  time.Duration
	metricsInterval time.Duration
	orphanInterval  time.Duration

	mu     sync.RWMutex
	health map[string]Health
}

func New(st Store, rt Runtime, cfg config.LifecycleConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:           st,
		runtime:         rt,
		logger:          logger,
		grace:           time.Duration(cfg.GracePeriodSeconds) * time.Second,
		sweepInterval:   time.Duration(cfg.CleanupIntervalSeconds) * time.Second,
		healthInterval:  time.Duration(cfg.HealthIntervalSeconds) * time.Second,
		metricsInterval: time.Duration(cfg.MetricsIntervalSeconds) * time.Second,
		orphanInterval:  time.Duration(cfg.OrphanIntervalSeconds) * time.Second,
		health:          make(map[string]Health),
	}
}

// Run blocks until ctx is cancelled, driving the four periodic tasks.
// Task failures are logged, never fatal; the loops keep ticking.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started",
		"sweep_interval", r.sweepInterval,
		"health_interval", r.healthInterval,
		"metrics_interval", r.metricsInterval,
		"orphan_interval", r.orphanInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, r.sweepInterval, r.sweepOnce) })
	g.Go(func() error { return r.loop(ctx, r.healthInterval, r.healthOnce) })
	g.Go(func() error { return r.loop(ctx, r.metricsInterval, r.metricsOnce) })
	g.Go(func() error { return r.loop(ctx, r.orphanInterval, r.orphanOnce) })
	err := g.Wait()
	r.logger.Info("reconciler stopped")
	return err
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, task func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			task(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sweepOnce terminates sessions whose grace window ran out, stops
// their containers, and applies the store retention policy. Each
// expired row is claimed exactly once, so the container stop runs
// exactly once per session.
func (r *Reconciler) sweepOnce(ctx context.Context) {
	expired, err := r.store.SweepExpired(time.Now())
	if err != nil {
		r.logger.Error("expiry sweep", "error", err)
		return
	}
	for _, sess := range expired {
		if sess.ContainerID != "" {
			stopCtx, cancel := context.WithTimeout(ctx, callTimeout)
			if err := r.runtime.StopAndRemove(stopCtx, sess.ContainerID); err != nil {
				// orphan sweep is the net
				r.logger.Error("stopping expired container",
					"session_id", sess.ID, "container_id", sess.ContainerID, "error", err)
			}
			cancel()
		}
		if err := r.store.AppendAudit(&store.AuditEvent{
			SessionID: sess.ID,
			Tenant:    sess.Tenant,
			EventType: store.EventSessionTerminated,
			EventData: map[string]any{"reason": "grace_period_expired"},
		}); err != nil {
			r.logger.Error("auditing expiry", "session_id", sess.ID, "error", err)
		}
		r.dropHealth(sess.ID)
		r.logger.Info("session expired", "session_id", sess.ID, "user_id", sess.Tenant)
	}

	counts, err := r.store.CleanupAll()
	if err != nil {
		r.logger.Error("retention cleanup", "error", err)
		return
	}
	if counts.RateBuckets+counts.MetricsSamples+counts.AuditEvents > 0 {
		r.logger.Debug("retention cleanup",
			"rate_buckets", counts.RateBuckets,
			"metrics_samples", counts.MetricsSamples,
			"audit_events", counts.AuditEvents)
	}
}

// healthOnce samples every running session's container. A container
// the runtime lost moves its session into the grace window.
func (r *Reconciler) healthOnce(ctx context.Context) {
	sessions, err := r.store.ListSessions("", store.StatusRunning, 0)
	if err != nil {
		r.logger.Error("health probe list", "error", err)
		return
	}
	for _, sess := range sessions {
		if sess.ContainerID == "" {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, callTimeout)
		running, err := r.runtime.IsRunning(probeCtx, sess.ContainerID)
		if err != nil {
			cancel()
			r.logger.Error("health probe", "session_id", sess.ID, "error", err)
			continue
		}
		if !running {
			cancel()
			r.dropHealth(sess.ID)
			if err := r.store.MarkDisconnected(sess.ID, r.grace); err != nil {
				r.logger.Error("disconnecting dead container session", "session_id", sess.ID, "error", err)
				continue
			}
			if err := r.store.AppendAudit(&store.AuditEvent{
				SessionID: sess.ID,
				Tenant:    sess.Tenant,
				EventType: store.EventContainerStopped,
				EventData: map[string]any{"container_id": sess.ContainerID, "reason": "health_probe"},
			}); err != nil {
				r.logger.Error("auditing dead container", "session_id", sess.ID, "error", err)
			}
			r.logger.Warn("container gone, session entering grace window",
				"session_id", sess.ID, "container_id", sess.ContainerID)
			continue
		}

		stats, err := r.runtime.StatsSample(probeCtx, sess.ContainerID)
		cancel()
		if err != nil {
			r.logger.Error("stats sample", "session_id", sess.ID, "error", err)
			continue
		}
		r.mu.Lock()
		r.health[sess.ID] = Health{SessionID: sess.ID, Stats: *stats, SampledAt: time.Now().UTC()}
		r.mu.Unlock()
	}

	// drop cache entries for sessions that stopped running
	current := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		current[sess.ID] = true
	}
	r.mu.Lock()
	for id := range r.health {
		if !current[id] {
			delete(r.health, id)
		}
	}
	r.mu.Unlock()
}

// metricsOnce persists the current health cache, one row per session.
func (r *Reconciler) metricsOnce(ctx context.Context) {
	for _, h := range r.Snapshot() {
		if err := r.store.RecordMetrics(&store.MetricsSample{
			SessionID:   h.SessionID,
			CPUPercent:  h.Stats.CPUPercent,
			MemoryUsage: h.Stats.MemoryUsage,
			MemoryLimit: h.Stats.MemoryLimit,
			NetworkRx:   h.Stats.NetworkRx,
			NetworkTx:   h.Stats.NetworkTx,
			RecordedAt:  h.SampledAt,
		}); err != nil {
			r.logger.Error("persisting metrics", "session_id", h.SessionID, "error", err)
		}
	}
}

// orphanOnce removes service-named containers no live session row
// references.
func (r *Reconciler) orphanOnce(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, callTimeout)
	containers, err := r.runtime.ListSessionContainers(listCtx)
	cancel()
	if err != nil {
		r.logger.Error("orphan sweep list", "error", err)
		return
	}
	if len(containers) == 0 {
		return
	}

	referenced := make(map[string]bool)
	for _, status := range []string{store.StatusCreated, store.StatusRunning, store.StatusDisconnected} {
		sessions, err := r.store.ListSessions("", status, 0)
		if err != nil {
			r.logger.Error("orphan sweep sessions", "error", err)
			return
		}
		for _, sess := range sessions {
			if sess.ContainerID != "" {
				referenced[sess.ContainerID] = true
			}
		}
	}

	for _, ctr := range containers {
		if referenced[ctr.ID] {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, callTimeout)
		if err := r.runtime.StopAndRemove(stopCtx, ctr.ID); err != nil {
			r.logger.Error("removing orphan container", "container", ctr.Name, "error", err)
		} else {
			r.logger.Info("removed orphan container", "container", ctr.Name, "session_id", ctr.SessionID)
		}
		cancel()
	}
}

// Snapshot returns a copy of the health cache.
func (r *Reconciler) Snapshot() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Health, 0, len(r.health))
	for _, h := range r.health {
		out = append(out, h)
	}
	return out
}

// SessionHealth returns the latest sample for one session, if cached.
func (r *Reconciler) SessionHealth(sessionID string) (Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[sessionID]
	return h, ok
}

func (r *Reconciler) dropHealth(sessionID string) {
	r.mu.Lock()
	delete(r.health, sessionID)
	r.mu.Unlock()
}
