package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/courier"
	"courier/internal/dedup"
	"courier/internal/eventbus"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// collector records delivered messages and can be scripted to fail.
type collector struct {
	mu        sync.Mutex
	delivered []*Message
	fail      func(msg *Message) error
}

func (c *collector) Deliver(_ context.Context, msg *Message) error {
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		if err := fail(msg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.delivered = append(c.delivered, msg)
	c.mu.Unlock()
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.delivered))
	for i, m := range c.delivered {
		out[i] = string(m.Payload)
	}
	return out
}

func fastConfig() Config {
	return Config{
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		RetryJitter:   0.1,
	}
}

func enqueue(t *testing.T, m *Manager, session, payload string, prio Priority) int {
	t.Helper()
	pos, err := m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: session,
		DeviceID:  "dev-a",
		Content:   []byte(payload),
		Priority:  prio,
	})
	require.NoError(t, err)
	return pos
}

func TestPriorityDequeueOrder(t *testing.T) {
	c := &collector{}
	m := New(fastConfig(), c)
	defer m.Stop(context.Background())

	require.NoError(t, m.Pause("s1"))
	enqueue(t, m, "s1", "msg-low", PriorityLow)
	enqueue(t, m, "s1", "msg-high", PriorityHigh)
	enqueue(t, m, "s1", "msg-normal", PriorityNormal)
	require.NoError(t, m.Resume("s1"))

	require.Eventually(t, func() bool { return len(c.ids()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"msg-high", "msg-normal", "msg-low"}, c.ids())
}

func TestFIFOWithinPriority(t *testing.T) {
	c := &collector{}
	m := New(fastConfig(), c)
	defer m.Stop(context.Background())

	require.NoError(t, m.Pause("s1"))
	enqueue(t, m, "s1", "first", PriorityNormal)
	enqueue(t, m, "s1", "second", PriorityNormal)
	enqueue(t, m, "s1", "third", PriorityNormal)
	require.NoError(t, m.Resume("s1"))

	require.Eventually(t, func() bool { return len(c.ids()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, c.ids())
}

func TestEnqueuePosition(t *testing.T) {
	c := &collector{}
	m := New(fastConfig(), c)
	defer m.Stop(context.Background())

	require.NoError(t, m.Pause("s1"))
	assert.Equal(t, 1, enqueue(t, m, "s1", "a", PriorityNormal))
	assert.Equal(t, 2, enqueue(t, m, "s1", "b", PriorityNormal))
	// High priority jumps ahead of the queued normals.
	assert.Equal(t, 1, enqueue(t, m, "s1", "c", PriorityHigh))
}

func TestNotPrimaryRejected(t *testing.T) {
	c := &collector{}
	m := New(fastConfig(), c, WithPrimaryChecker(primaryFunc(func(session, device string) bool {
		return device == "dev-primary"
	})))
	defer m.Stop(context.Background())

	_, err := m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "dev-other", Content: []byte("x"),
	})
	assert.ErrorIs(t, err, courier.ErrNotPrimary)

	_, err = m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "dev-primary", Content: []byte("x"),
	})
	assert.NoError(t, err)
}

type primaryFunc func(sessionID, deviceID string) bool

func (f primaryFunc) IsPrimary(sessionID, deviceID string) bool { return f(sessionID, deviceID) }

func TestDuplicateRejectedQueueUnchanged(t *testing.T) {
	c := &collector{}
	det := dedup.New(dedup.Config{Window: 5 * time.Second})
	m := New(fastConfig(), c, WithDetector(det))
	defer m.Stop(context.Background())

	require.NoError(t, m.Pause("s1"))
	enqueue(t, m, "s1", "hello", PriorityNormal)
	before, err := m.Status("s1")
	require.NoError(t, err)

	_, err = m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "dev-a", Content: []byte("hello"),
	})
	assert.ErrorIs(t, err, courier.ErrDuplicateMessage)

	after, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, before.Depth, after.Depth)
}

func TestQueueFullRejectionDoesNotPoisonDedup(t *testing.T) {
	c := &collector{}
	cfg := fastConfig()
	cfg.Capacity = 10
	det := dedup.New(dedup.Config{Window: 5 * time.Second})
	m := New(cfg, c, WithDetector(det))
	defer m.Stop(context.Background())

	require.NoError(t, m.Pause("s1"))
	for i := 0; i < 10; i++ {
		enqueue(t, m, "s1", fmt.Sprintf("filler-%d", i), PriorityHigh)
	}
	_, err := m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "dev-a", Content: []byte("urgent"), Priority: PriorityHigh,
	})
	require.ErrorIs(t, err, courier.ErrQueueFull)

	// The rejected message was never accepted, so its retry must not be
	// swallowed as a duplicate.
	require.NoError(t, m.Clear("s1"))
	_, err = m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "dev-a", Content: []byte("urgent"), Priority: PriorityHigh,
	})
	require.NoError(t, err)

	// Accepted messages still suppress their duplicates.
	_, err = m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "dev-a", Content: []byte("urgent"), Priority: PriorityHigh,
	})
	assert.ErrorIs(t, err, courier.ErrDuplicateMessage)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventDeadLettered)
	defer unsub()

	c := &collector{fail: func(*Message) error { return courier.ErrTransientNetwork }}
	m := New(fastConfig(), c, WithBus(bus))
	defer m.Stop(context.Background())

	enqueue(t, m, "s1", "doomed", PriorityNormal)

	var got DeadLetteredEvent
	require.Eventually(t, func() bool {
		select {
		case e := <-events:
			got = e.Data.(DeadLetteredEvent)
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 5, got.Attempts)
	stats, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.DeadLettered)
	assert.Equal(t, 0, stats.Depth)
	assert.Empty(t, c.ids())

	// Dead-lettered messages are excluded from automatic dequeue: the worker
	// stays idle afterwards.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.ids())
}

func TestNoRetryDeadLettersImmediately(t *testing.T) {
	c := &collector{fail: func(*Message) error { return NoRetry(errors.New("schema rejected")) }}
	m := New(fastConfig(), c)
	defer m.Stop(context.Background())

	enqueue(t, m, "s1", "bad", PriorityNormal)

	require.Eventually(t, func() bool {
		stats, err := m.Status("s1")
		return err == nil && stats.DeadLettered == 1
	}, 2*time.Second, 5*time.Millisecond)

	dls, err := m.DeadLetters(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 1, dls[0].Message.Attempts)
}

func TestReplayDeadLetter(t *testing.T) {
	c := &collector{fail: func(*Message) error { return errors.New("down") }}
	m := New(fastConfig(), c)
	defer m.Stop(context.Background())

	enqueue(t, m, "s1", "retry me", PriorityNormal)
	require.Eventually(t, func() bool {
		stats, err := m.Status("s1")
		return err == nil && stats.DeadLettered == 1
	}, 5*time.Second, 5*time.Millisecond)

	dls, err := m.DeadLetters(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, dls, 1)

	// Backend recovered; replay succeeds.
	c.mu.Lock()
	c.fail = nil
	c.mu.Unlock()
	require.NoError(t, m.Replay(context.Background(), "s1", dls[0].Message.ID))

	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"retry me"}, c.ids())
}

func TestReplayUnknownMessage(t *testing.T) {
	m := New(fastConfig(), &collector{})
	defer m.Stop(context.Background())

	err := m.Replay(context.Background(), "s1", "no-such-id")
	assert.ErrorIs(t, err, courier.ErrDeadLettered)
}

func TestBackpressureShedsLowFirst(t *testing.T) {
	c := &collector{}
	cfg := fastConfig()
	cfg.Capacity = 10
	m := New(cfg, c)
	defer m.Stop(context.Background())

	require.NoError(t, m.Pause("s1"))
	for i := 0; i < 8; i++ {
		enqueue(t, m, "s1", "filler", PriorityHigh)
	}

	_, err := m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "d", Content: []byte("low"), Priority: PriorityLow,
	})
	assert.ErrorIs(t, err, courier.ErrQueueFull)

	// Normal still fits until 90%.
	enqueue(t, m, "s1", "normal-ok", PriorityNormal)
	_, err = m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "d", Content: []byte("normal"), Priority: PriorityNormal,
	})
	assert.ErrorIs(t, err, courier.ErrQueueFull)

	// High fits until the hard cap.
	enqueue(t, m, "s1", "high-ok", PriorityHigh)
	_, err = m.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", DeviceID: "d", Content: []byte("high"), Priority: PriorityHigh,
	})
	assert.ErrorIs(t, err, courier.ErrQueueFull)
}

func TestPauseHaltsWithoutDiscarding(t *testing.T) {
	c := &collector{}
	m := New(fastConfig(), c)
	defer m.Stop(context.Background())

	require.NoError(t, m.Pause("s1"))
	enqueue(t, m, "s1", "held", PriorityNormal)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, c.ids())

	require.NoError(t, m.Resume("s1"))
	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestClearDiscardsQueued(t *testing.T) {
	c := &collector{}
	m := New(fastConfig(), c)
	defer m.Stop(context.Background())

	require.NoError(t, m.Pause("s1"))
	enqueue(t, m, "s1", "a", PriorityNormal)
	enqueue(t, m, "s1", "b", PriorityNormal)
	require.NoError(t, m.Clear("s1"))

	stats, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)
}

func TestStatsProcessedAndAverage(t *testing.T) {
	c := &collector{}
	m := New(fastConfig(), c)
	defer m.Stop(context.Background())

	enqueue(t, m, "s1", "a", PriorityNormal)
	enqueue(t, m, "s1", "b", PriorityNormal)

	require.Eventually(t, func() bool {
		stats, err := m.Status("s1")
		return err == nil && stats.Processed == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueueAfterStop(t *testing.T) {
	m := New(fastConfig(), &collector{})
	require.NoError(t, m.Stop(context.Background()))

	_, err := m.Enqueue(context.Background(), EnqueueRequest{SessionID: "s1", DeviceID: "d", Content: []byte("x")})
	assert.ErrorIs(t, err, courier.ErrStopped)
}

func TestStatusUnknownSession(t *testing.T) {
	m := New(fastConfig(), &collector{})
	defer m.Stop(context.Background())
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, courier.ErrUnknownSession)
}

func TestSnapshotRestoreAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "q.db")}, logx.Nop())
	require.NoError(t, err)

	m1 := New(fastConfig(), &collector{}, WithStore(st))
	require.NoError(t, m1.Pause("s1"))
	enqueue(t, m1, "s1", "survives restart", PriorityNormal)
	require.NoError(t, m1.Stop(context.Background()))
	require.NoError(t, st.Close())

	st2, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "q.db")}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()

	c2 := &collector{}
	m2 := New(fastConfig(), c2, WithStore(st2))
	defer m2.Stop(context.Background())

	// Touching the session restores and drains the snapshot.
	_, err = m2.session(context.Background(), "s1", true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c2.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"survives restart"}, c2.ids())
}

func TestGracefulStopRequeuesInFlight(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "q.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	started := make(chan struct{})
	m := New(fastConfig(), DelivererFunc(func(ctx context.Context, msg *Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), WithStore(st))

	_, err = m.Enqueue(context.Background(), EnqueueRequest{SessionID: "s1", DeviceID: "d", Content: []byte("inflight")})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	snap, ok, err := st.GetQueueSnapshot(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, string(StatusQueued), snap.Messages[0].Status)
}
