package session

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
	"github.com/nonos/noxterm/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *MockRuntime) {
	t.Helper()
	st, err := store.New(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Lifecycle.GracePeriodSeconds = 300

	rt := &MockRuntime{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg, st, rt, &fakeEgress{}, logger)
	return m, st, rt
}

func expectProvision(rt *MockRuntime) {
	rt.On("EnsureImage", mock.Anything, mock.Anything).Return(nil)
	rt.On("CreateAndStart", mock.Anything, mock.Anything).Return("cid-1", "noxterm-session-abc", nil)
	rt.On("WaitReady", mock.Anything, "cid-1").Return(nil)
}

func TestCreateSession(t *testing.T) {
	m, st, rt := newTestManager(t)
	expectProvision(rt)

	info, err := m.Create(context.Background(), CreateOpts{Tenant: "alice", ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, info.Status)
	assert.Equal(t, "cid-1", info.ContainerID)
	assert.Equal(t, "/pty/"+info.ID, info.WebsocketURL)

	// durable row matches
	sess, err := st.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, sess.Status)

	// audit trail: created + container started
	events, err := st.AuditBySession(info.ID, 10)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, store.EventSessionCreated)
	assert.Contains(t, types, store.EventContainerStarted)
}

func TestCreateRejectsBadInput(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Create(context.Background(), CreateOpts{Tenant: "bad;tenant"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.Create(context.Background(), CreateOpts{Tenant: "alice", Image: "evil; rm -rf /"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.Create(context.Background(), CreateOpts{Tenant: "alice", Image: "not-in-allowlist:1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateQuota(t *testing.T) {
	m, _, rt := newTestManager(t)
	m.cfg.MaxSessionsPerUser = 2
	m.cfg.RateLimit.Enabled = false
	rt.On("EnsureImage", mock.Anything, mock.Anything).Return(nil)
	rt.On("CreateAndStart", mock.Anything, mock.Anything).Return("cid", "name", nil)
	rt.On("WaitReady", mock.Anything, mock.Anything).Return(nil)

	_, err := m.Create(context.Background(), CreateOpts{Tenant: "alice"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), CreateOpts{Tenant: "alice"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateOpts{Tenant: "alice"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// other tenants unaffected
	_, err = m.Create(context.Background(), CreateOpts{Tenant: "bob"})
	assert.NoError(t, err)
}

func TestCreateRateLimited(t *testing.T) {
	m, _, rt := newTestManager(t)
	m.cfg.RateLimit.SessionCreateLimit = 1
	m.cfg.MaxSessionsPerUser = 100
	expectProvision(rt)

	_, err := m.Create(context.Background(), CreateOpts{Tenant: "alice", ClientIP: "9.9.9.9"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateOpts{Tenant: "alice", ClientIP: "9.9.9.9"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCreateProvisioningFailure(t *testing.T) {
	m, st, rt := newTestManager(t)
	rt.On("EnsureImage", mock.Anything, mock.Anything).Return(nil)
	rt.On("CreateAndStart", mock.Anything, mock.Anything).Return("", "", assert.AnError)

	_, err := m.Create(context.Background(), CreateOpts{Tenant: "alice"})
	require.Error(t, err)

	// the row exists and is terminated; tenant quota is released
	sessions, err := st.ListSessions("alice", "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.StatusTerminated, sessions[0].Status)

	n, err := st.ActiveSessionCount("alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAttachBusy(t *testing.T) {
	m, _, rt := newTestManager(t)
	expectProvision(rt)
	info, err := m.Create(context.Background(), CreateOpts{Tenant: "alice"})
	require.NoError(t, err)

	_, _, err = m.Attach(context.Background(), info.ID)
	require.NoError(t, err)
	assert.True(t, m.Attached(info.ID))

	// holder keeps the stream; newcomer is rejected
	_, _, err = m.Attach(context.Background(), info.ID)
	assert.ErrorIs(t, err, ErrBusy)

	m.Detach(info.ID, "alice", true)
	assert.False(t, m.Attached(info.ID))
}

func TestDetachEntersGraceAndReattach(t *testing.T) {
	m, st, rt := newTestManager(t)
	expectProvision(rt)
	info, err := m.Create(context.Background(), CreateOpts{Tenant: "alice"})
	require.NoError(t, err)

	_, _, err = m.Attach(context.Background(), info.ID)
	require.NoError(t, err)
	m.Detach(info.ID, "alice", true)

	sess, err := st.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, sess.Status)
	require.NotNil(t, sess.ExpiresAt)

	// reattach within grace
	got, err := m.Reattach(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, "/pty/"+info.ID, got.WebsocketURL)

	_, _, err = m.Attach(context.Background(), info.ID)
	require.NoError(t, err)
	sess, err = st.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, sess.Status)
	assert.Nil(t, sess.DisconnectedAt)
}

func TestReattachAfterGraceIsGone(t *testing.T) {
	m, st, rt := newTestManager(t)
	m.cfg.Lifecycle.GracePeriodSeconds = 0
	expectProvision(rt)
	rt.On("StopAndRemove", mock.Anything, "cid-1").Return(nil)

	info, err := m.Create(context.Background(), CreateOpts{Tenant: "alice"})
	require.NoError(t, err)

	require.NoError(t, st.MarkDisconnected(info.ID, 0))
	time.Sleep(5 * time.Millisecond)

	_, err = m.Reattach(context.Background(), info.ID)
	assert.ErrorIs(t, err, ErrTerminated)

	sess, err := st.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, sess.Status)
	rt.AssertCalled(t, "StopAndRemove", mock.Anything, "cid-1")
}

func TestTerminate(t *testing.T) {
	m, st, rt := newTestManager(t)
	expectProvision(rt)
	rt.On("StopAndRemove", mock.Anything, "cid-1").Return(nil)

	info, err := m.Create(context.Background(), CreateOpts{Tenant: "alice"})
	require.NoError(t, err)

	_, shutdown, err := m.Attach(context.Background(), info.ID)
	require.NoError(t, err)

	require.NoError(t, m.Terminate(context.Background(), info.ID))

	// live stream was signalled
	select {
	case <-shutdown:
	default:
		t.Fatal("expected shutdown signal")
	}

	sess, err := st.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, sess.Status)
	assert.Empty(t, sess.ContainerID)

	// idempotent, and exactly one terminated audit row
	require.NoError(t, m.Terminate(context.Background(), info.ID))
	events, err := st.AuditBySession(info.ID, 50)
	require.NoError(t, err)
	terminated := 0
	for _, ev := range events {
		if ev.EventType == store.EventSessionTerminated {
			terminated++
		}
	}
	assert.Equal(t, 1, terminated)

	assert.ErrorIs(t, m.Terminate(context.Background(), "missing"), ErrNotFound)
}

func TestTerminateCreatedSessionAudits(t *testing.T) {
	m, st, _ := newTestManager(t)
	now := time.Now().UTC()
	require.NoError(t, st.CreateSession(&store.Session{
		ID: "bare", Tenant: "alice", Status: store.StatusCreated,
		Image: "ubuntu:22.04", CreatedAt: now, LastActivity: now,
	}))

	// no container bound; still audits the transition once
	require.NoError(t, m.Terminate(context.Background(), "bare"))
	events, err := st.AuditBySession("bare", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventSessionTerminated, events[0].EventType)
}

func TestValidateCommandRecordsEvents(t *testing.T) {
	m, st, _ := newTestManager(t)

	res := m.ValidateCommand("s1", "alice", "ls -la", "1.2.3.4")
	assert.True(t, res.Safe)

	res = m.ValidateCommand("s1", "alice", "rm -rf /", "1.2.3.4")
	assert.False(t, res.Safe)

	events, err := st.RecentSecurityEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "critical", events[0].Severity)

	// disabled validation lets everything through
	m.cfg.ValidateCommands = false
	res = m.ValidateCommand("s1", "alice", "rm -rf /", "1.2.3.4")
	assert.True(t, res.Safe)
}

func TestGetUnknown(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
