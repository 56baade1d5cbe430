package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/eventbus"
)

func TestResolveFromSessionPath(t *testing.T) {
	c := New(Config{})
	c.Track("c-1", "s1")

	assert.True(t, c.Resolve("c-1", SourceSession))

	r, ok := c.Lookup("c-1")
	require.True(t, ok)
	assert.True(t, r.Matched)
	assert.NotNil(t, r.DeliveredAt)
	assert.Equal(t, SourceSession, r.Source)
}

func TestResolveFirstWins(t *testing.T) {
	c := New(Config{})
	c.Track("c-1", "s1")

	assert.True(t, c.Resolve("c-1", SourcePush))
	assert.False(t, c.Resolve("c-1", SourceSession))

	r, _ := c.Lookup("c-1")
	assert.Equal(t, SourcePush, r.Source)
}

func TestResolveUnknown(t *testing.T) {
	c := New(Config{})
	assert.False(t, c.Resolve("nope", SourcePush))
}

func TestStallDetectedAtThreshold(t *testing.T) {
	base := time.Now()
	now := base
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventStallDetected)
	defer unsub()

	c := New(Config{StallAfter: 150 * time.Second},
		WithNow(func() time.Time { return now }),
		WithBus(bus))
	c.Track("c-1", "s1")

	// Just under the threshold: no stall.
	now = base.Add(149 * time.Second)
	c.Sweep()
	select {
	case <-events:
		t.Fatal("stall fired early")
	default:
	}

	now = base.Add(151 * time.Second)
	c.Sweep()
	var got StallEvent
	select {
	case e := <-events:
		got = e.Data.(StallEvent)
	default:
		t.Fatal("expected a stall event")
	}
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.Equal(t, "s1", got.SessionID)

	// The record is still pending, not failed, and the stall fires only once.
	r, ok := c.Lookup("c-1")
	require.True(t, ok)
	assert.False(t, r.Matched)
	assert.True(t, r.Stalled)

	now = base.Add(200 * time.Second)
	c.Sweep()
	select {
	case <-events:
		t.Fatal("stall fired twice")
	default:
	}
}

func TestStalledRecordStillResolvable(t *testing.T) {
	base := time.Now()
	now := base
	c := New(Config{StallAfter: time.Second}, WithNow(func() time.Time { return now }))
	c.Track("c-1", "s1")

	now = base.Add(2 * time.Second)
	c.Sweep()
	r, _ := c.Lookup("c-1")
	require.True(t, r.Stalled)

	assert.True(t, c.Resolve("c-1", SourcePush))
	r, _ = c.Lookup("c-1")
	assert.True(t, r.Matched)
}

func TestResolvedRecordsExpire(t *testing.T) {
	base := time.Now()
	now := base
	c := New(Config{RecordTTL: time.Minute}, WithNow(func() time.Time { return now }))
	c.Track("c-1", "s1")
	c.Resolve("c-1", SourceSession)

	now = base.Add(2 * time.Minute)
	c.Sweep()
	_, ok := c.Lookup("c-1")
	assert.False(t, ok)
}

func TestPendingFiltersBySession(t *testing.T) {
	c := New(Config{})
	c.Track("c-1", "s1")
	c.Track("c-2", "s2")
	c.Track("c-3", "s1")
	c.Resolve("c-3", SourceSession)

	pending := c.Pending("s1")
	require.Len(t, pending, 1)
	assert.Equal(t, "c-1", pending[0].CorrelationID)
	assert.Len(t, c.Pending(""), 2)
}

func TestDropSessionCancelsPending(t *testing.T) {
	base := time.Now()
	now := base
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventStallDetected)
	defer unsub()

	c := New(Config{StallAfter: time.Second},
		WithNow(func() time.Time { return now }),
		WithBus(bus))
	c.Track("c-1", "s1")
	c.DropSession("s1")

	now = base.Add(5 * time.Second)
	c.Sweep()
	select {
	case <-events:
		t.Fatal("stall fired for a dropped session")
	default:
	}
}

func TestSetStallAfter(t *testing.T) {
	base := time.Now()
	now := base
	c := New(Config{StallAfter: time.Hour}, WithNow(func() time.Time { return now }))
	c.Track("c-1", "s1")
	c.SetStallAfter(time.Second)

	now = base.Add(2 * time.Second)
	c.Sweep()
	r, _ := c.Lookup("c-1")
	assert.True(t, r.Stalled)
}
