package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/backend"
	"courier/internal/config"
	"courier/internal/correlate"
	"courier/internal/courier"
	"courier/internal/session"
	"courier/internal/transport"
)

func newTestApp(t *testing.T, fake *backend.Fake) *App {
	t.Helper()
	a, err := New(Options{
		Config:  &config.Config{},
		Backend: fake,
		Sender: session.SenderFunc(func(ctx context.Context, deviceID string, f transport.Frame) error {
			return nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func joinDevice(t *testing.T, a *App, sessionID, deviceID string) {
	t.Helper()
	ctx := context.Background()
	a.RegisterDevice(ctx, deviceID, nil, nil)
	require.NoError(t, a.JoinSession(ctx, sessionID, "proj-1", deviceID))
}

func TestNewRequiresConfigAndBackend(t *testing.T) {
	_, err := New(Options{Backend: backend.NewFake()})
	require.Error(t, err)

	_, err = New(Options{Config: &config.Config{}})
	require.Error(t, err)
}

func TestEnqueueDeliversAndTracksCorrelation(t *testing.T) {
	fake := backend.NewFake()
	a := newTestApp(t, fake)
	joinDevice(t, a, "s1", "dev-a")

	pos, err := a.EnqueueMessage(context.Background(), "s1", "dev-a", []byte("hello backend"), "normal")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	require.Eventually(t, func() bool {
		return len(fake.Submissions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sub := fake.Submissions()[0]
	assert.Equal(t, "s1", sub.SessionID)
	assert.Equal(t, []byte("hello backend"), sub.Payload)

	rec, ok := a.NotificationStatus(sub.CorrelationID)
	require.True(t, ok)
	assert.False(t, rec.Matched)
	assert.Equal(t, "s1", rec.SessionID)
}

func TestMessageAckResolvesViaSessionPath(t *testing.T) {
	fake := backend.NewFake()
	a := newTestApp(t, fake)
	joinDevice(t, a, "s1", "dev-a")

	_, err := a.EnqueueMessage(context.Background(), "s1", "dev-a", []byte("ping"), "high")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(fake.Submissions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	corrID := fake.Submissions()[0].CorrelationID
	a.dispatchFrame(context.Background(), transport.Frame{
		Type:          transport.FrameMessageAck,
		DeviceID:      "dev-a",
		CorrelationID: corrID,
	})

	rec, ok := a.NotificationStatus(corrID)
	require.True(t, ok)
	assert.True(t, rec.Matched)
	assert.Equal(t, correlate.SourceSession, rec.Source)
	assert.Empty(t, a.PendingNotifications("s1"))
}

func TestEnqueueRejectsNonPrimary(t *testing.T) {
	a := newTestApp(t, backend.NewFake())
	joinDevice(t, a, "s1", "dev-a")
	joinDevice(t, a, "s1", "dev-b") // dev-a was elected primary

	_, err := a.EnqueueMessage(context.Background(), "s1", "dev-b", []byte("nope"), "normal")
	require.ErrorIs(t, err, courier.ErrNotPrimary)
}

func TestRequestPrimaryAlwaysWins(t *testing.T) {
	a := newTestApp(t, backend.NewFake())
	joinDevice(t, a, "s1", "dev-a")
	joinDevice(t, a, "s1", "dev-b")

	require.NoError(t, a.RequestPrimary("s1", "dev-b"))

	devices, err := a.DeviceStatus("s1")
	require.NoError(t, err)
	for _, d := range devices {
		assert.Equal(t, d.ID == "dev-b", d.Primary)
	}
}

func TestSessionSyncFrameAppliesUpdate(t *testing.T) {
	a := newTestApp(t, backend.NewFake())
	joinDevice(t, a, "s1", "dev-a")

	state := json.RawMessage(`{"topic":"greetings"}`)
	a.dispatchFrame(context.Background(), transport.Frame{
		Type:      transport.FrameSessionSync,
		SessionID: "s1",
		DeviceID:  "dev-b",
		Version:   5,
		State:     state,
	})

	doc, version, err := a.SessionState("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), version)
	assert.JSONEq(t, string(state), string(doc))
}

func TestTeardownDropsQueueAndCorrelations(t *testing.T) {
	fake := backend.NewFake()
	a := newTestApp(t, fake)
	joinDevice(t, a, "s1", "dev-a")

	_, err := a.EnqueueMessage(context.Background(), "s1", "dev-a", []byte("bye"), "normal")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(fake.Submissions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.LeaveSession(context.Background(), "s1", "dev-a")

	_, err = a.GetQueueStatus("s1")
	assert.ErrorIs(t, err, courier.ErrUnknownSession)
	assert.Empty(t, a.PendingNotifications("s1"))
}

func TestSessionLockFrames(t *testing.T) {
	a := newTestApp(t, backend.NewFake())
	joinDevice(t, a, "s1", "dev-a")

	a.dispatchFrame(context.Background(), transport.Frame{
		Type:      transport.FrameSessionLock,
		SessionID: "s1",
		DeviceID:  "dev-a",
		Action:    transport.LockAcquire,
	})
	// Only the acquirer may release.
	err := a.ReleaseSessionLock("s1", "dev-b")
	assert.ErrorIs(t, err, courier.ErrNotLockOwner)
	require.NoError(t, a.ReleaseSessionLock("s1", "dev-a"))
}

func TestDedupSuppressionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	newCfg := func() *config.Config {
		return &config.Config{
			Storage: &config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "state")},
			Dedup:   config.DedupConfig{Window: "1h", TTL: "1h", Persist: true},
		}
	}
	sender := session.SenderFunc(func(context.Context, string, transport.Frame) error { return nil })
	ctx := context.Background()

	fake := backend.NewFake()
	first, err := New(Options{Config: newCfg(), Backend: fake, Sender: sender})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	first.RegisterDevice(ctx, "dev-a", nil, nil)
	require.NoError(t, first.JoinSession(ctx, "s1", "proj-1", "dev-a"))

	_, err = first.EnqueueMessage(ctx, "s1", "dev-a", []byte("send exactly once"), "normal")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(fake.Submissions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Stop(stopCtx))

	// A restarted instance over the same store must keep suppressing.
	second, err := New(Options{Config: newCfg(), Backend: backend.NewFake(), Sender: sender})
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = second.Stop(ctx)
	})
	second.RegisterDevice(ctx, "dev-a", nil, nil)
	require.NoError(t, second.JoinSession(ctx, "s1", "proj-1", "dev-a"))

	_, err = second.EnqueueMessage(ctx, "s1", "dev-a", []byte("send exactly once"), "normal")
	require.ErrorIs(t, err, courier.ErrDuplicateMessage)
}

func TestBuildConfigRejectsBadDurations(t *testing.T) {
	_, err := buildQueueConfig(config.QueueConfig{RetryBase: "soon"})
	require.Error(t, err)

	_, err = buildRegistryConfig(config.RegistryConfig{HeartbeatTimeout: "-5s"})
	require.Error(t, err)

	_, err = buildDedupConfig(config.DedupConfig{Window: "5s"})
	require.NoError(t, err)
}

func TestApplyConfigHotReload(t *testing.T) {
	a := newTestApp(t, backend.NewFake())
	// Must not panic without a log service and must tolerate bad fields.
	a.applyConfig(&config.Config{
		Queue:      config.QueueConfig{RetryBase: "bogus"},
		Dedup:      config.DedupConfig{Window: "8s"},
		Correlator: config.CorrelatorConfig{StallAfter: "3m"},
	})
}
