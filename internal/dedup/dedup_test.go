package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/courier"
)

func TestCheckSuppressesCommittedContent(t *testing.T) {
	d := New(Config{Window: 5 * time.Second})
	ctx := context.Background()

	require.NoError(t, d.Check("s1", "hello world"))
	d.Commit(ctx, "s1", "hello world")
	err := d.Check("s1", "hello world")
	assert.ErrorIs(t, err, courier.ErrDuplicateMessage)
}

func TestCheckAloneDoesNotRecord(t *testing.T) {
	d := New(Config{Window: 5 * time.Second})

	// A checked-but-never-accepted message must not suppress the retry.
	require.NoError(t, d.Check("s1", "try again"))
	require.NoError(t, d.Check("s1", "try again"))
}

func TestCheckWithinWindowAcrossBuckets(t *testing.T) {
	base := time.Now()
	now := base
	d := New(Config{Window: 5 * time.Second}, WithNow(func() time.Time { return now }))

	d.Commit(context.Background(), "s1", "ping")
	// 3s later is inside the window even if it lands in the next bucket.
	now = base.Add(3 * time.Second)
	assert.ErrorIs(t, d.Check("s1", "ping"), courier.ErrDuplicateMessage)
}

func TestCheckAllowsAfterWindow(t *testing.T) {
	base := time.Now()
	now := base
	d := New(Config{Window: 5 * time.Second}, WithNow(func() time.Time { return now }))

	d.Commit(context.Background(), "s1", "ping")
	now = base.Add(11 * time.Second)
	assert.NoError(t, d.Check("s1", "ping"))
}

func TestDifferentSessionsDoNotCollide(t *testing.T) {
	d := New(Config{})

	d.Commit(context.Background(), "s1", "same text")
	assert.NoError(t, d.Check("s2", "same text"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  hello   world \n"))
	assert.Equal(t, Normalize("a  b"), Normalize("a b"))
}

func TestNormalizedContentCollides(t *testing.T) {
	d := New(Config{})

	d.Commit(context.Background(), "s1", "hello   world")
	assert.ErrorIs(t, d.Check("s1", " hello world "), courier.ErrDuplicateMessage)
}

func TestMaxEntriesEviction(t *testing.T) {
	d := New(Config{MaxEntries: 10})
	for i := 0; i < 25; i++ {
		d.Record(fmt.Sprintf("hash-%d", i))
	}
	assert.Equal(t, 10, d.Len())
	// Oldest evicted first.
	assert.False(t, d.IsDuplicate("hash-0"))
	assert.True(t, d.IsDuplicate("hash-24"))
}

func TestTTLEviction(t *testing.T) {
	base := time.Now()
	now := base
	d := New(Config{TTL: time.Minute}, WithNow(func() time.Time { return now }))

	d.Record("h1")
	assert.True(t, d.IsDuplicate("h1"))

	now = base.Add(2 * time.Minute)
	assert.False(t, d.IsDuplicate("h1"))
}

type fakePersist struct {
	put map[string]time.Time
}

func (f *fakePersist) PutDedup(_ context.Context, key string, until time.Time) error {
	if f.put == nil {
		f.put = map[string]time.Time{}
	}
	f.put[key] = until
	return nil
}

func TestWriteThroughPersistence(t *testing.T) {
	p := &fakePersist{}
	d := New(Config{}, WithPersistence(p))

	d.Commit(context.Background(), "s1", "persist me")
	assert.Len(t, p.put, 1)
}

func TestRestore(t *testing.T) {
	d := New(Config{})
	d.Restore("h1", time.Now().Add(time.Minute))
	d.Restore("h2", time.Now().Add(-time.Minute)) // already expired

	assert.True(t, d.IsDuplicate("h1"))
	assert.False(t, d.IsDuplicate("h2"))
}

func TestRestoredHashSuppressesWithinWindow(t *testing.T) {
	base := time.Now()
	now := base
	cfg := Config{Window: time.Minute, TTL: time.Hour}

	first := New(cfg, WithNow(func() time.Time { return now }))
	first.Commit(context.Background(), "s1", "sent before restart")
	key := first.Hash("s1", "sent before restart", now)

	// A fresh detector preloaded from persistence keeps suppressing.
	second := New(cfg, WithNow(func() time.Time { return now }))
	second.Restore(key, now.Add(cfg.TTL))
	assert.ErrorIs(t, second.Check("s1", "sent before restart"), courier.ErrDuplicateMessage)
}
