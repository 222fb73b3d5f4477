package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nonos/noxterm/internal/config"
	"github.com/nonos/noxterm/internal/docker"
	"github.com/nonos/noxterm/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *MockRuntime) {
	t.Helper()
	st, err := store.New(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := &MockRuntime{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.LifecycleConfig{
		GracePeriodSeconds:     300,
		CleanupIntervalSeconds: 60,
		HealthIntervalSeconds:  30,
		MetricsIntervalSeconds: 15,
		OrphanIntervalSeconds:  300,
	}
	return New(st, rt, cfg, logger), st, rt
}

func seedSession(t *testing.T, st *store.Store, id, containerID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.CreateSession(&store.Session{
		ID: id, Tenant: "alice", Status: store.StatusCreated,
		Image: "ubuntu:22.04", CreatedAt: now, LastActivity: now,
	}))
	if containerID != "" {
		require.NoError(t, st.BindContainer(id, containerID, "noxterm-session-"+id))
	}
}

func TestSweepOnceTerminatesExpired(t *testing.T) {
	r, st, rt := newTestReconciler(t)
	seedSession(t, st, "old", "cid-old")
	require.NoError(t, st.MarkDisconnected("old", -time.Second))
	rt.On("StopAndRemove", mock.Anything, "cid-old").Return(nil).Once()

	r.sweepOnce(context.Background())

	rt.AssertExpectations(t)
	sess, err := st.GetSession("old")
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, sess.Status)

	events, err := st.AuditBySession("old", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventSessionTerminated, events[0].EventType)

	// idempotent across ticks: nothing left to claim
	r.sweepOnce(context.Background())
	rt.AssertNumberOfCalls(t, "StopAndRemove", 1)
}

func TestSweepOnceSkipsFreshDisconnects(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	seedSession(t, st, "fresh", "cid-fresh")
	require.NoError(t, st.MarkDisconnected("fresh", time.Hour))

	r.sweepOnce(context.Background())

	sess, err := st.GetSession("fresh")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, sess.Status)
}

func TestHealthOnceCachesStats(t *testing.T) {
	r, st, rt := newTestReconciler(t)
	seedSession(t, st, "s1", "cid-1")
	rt.On("IsRunning", mock.Anything, "cid-1").Return(true, nil)
	rt.On("StatsSample", mock.Anything, "cid-1").Return(&docker.Stats{
		CPUPercent: 42.5, MemoryUsage: 1024, MemoryLimit: 1 << 30,
	}, nil)

	r.healthOnce(context.Background())

	h, ok := r.SessionHealth("s1")
	require.True(t, ok)
	assert.Equal(t, 42.5, h.Stats.CPUPercent)
	assert.Len(t, r.Snapshot(), 1)
}

func TestHealthOnceDisconnectsDeadContainer(t *testing.T) {
	r, st, rt := newTestReconciler(t)
	seedSession(t, st, "s1", "cid-1")
	rt.On("IsRunning", mock.Anything, "cid-1").Return(false, nil)

	r.healthOnce(context.Background())

	sess, err := st.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, sess.Status)
	require.NotNil(t, sess.ExpiresAt)

	events, err := st.AuditBySession("s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventContainerStopped, events[0].EventType)
}

func TestMetricsOncePersistsSnapshot(t *testing.T) {
	r, st, rt := newTestReconciler(t)
	seedSession(t, st, "s1", "cid-1")
	rt.On("IsRunning", mock.Anything, "cid-1").Return(true, nil)
	rt.On("StatsSample", mock.Anything, "cid-1").Return(&docker.Stats{
		CPUPercent: 10, MemoryUsage: 2048, MemoryLimit: 1 << 30, NetworkRx: 5, NetworkTx: 7,
	}, nil)

	r.healthOnce(context.Background())
	r.metricsOnce(context.Background())

	latest, err := st.LatestMetrics("s1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, float64(10), latest.CPUPercent)
	assert.Equal(t, int64(5), latest.NetworkRx)
}

func TestOrphanOnceRemovesUnreferenced(t *testing.T) {
	r, st, rt := newTestReconciler(t)
	seedSession(t, st, "live", "cid-live")

	rt.On("ListSessionContainers", mock.Anything).Return([]docker.ContainerInfo{
		{ID: "cid-live", Name: "noxterm-session-live"},
		{ID: "cid-orphan", Name: "noxterm-session-dead"},
	}, nil)
	rt.On("StopAndRemove", mock.Anything, "cid-orphan").Return(nil).Once()

	r.orphanOnce(context.Background())

	rt.AssertExpectations(t)
	rt.AssertNotCalled(t, "StopAndRemove", mock.Anything, "cid-live")
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _, rt := newTestReconciler(t)
	rt.On("ListSessionContainers", mock.Anything).Return(nil, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
