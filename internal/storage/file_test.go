package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "courier/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "courier.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: ""}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}

func TestFileDeviceRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	d := DeviceRecord{
		ID:           "dev-a",
		Metadata:     map[string]string{"platform": "darwin"},
		Capabilities: []string{"push"},
		RegisteredAt: time.Now().Add(-time.Minute).UTC(),
		LastSeenAt:   time.Now().UTC(),
	}
	require.NoError(t, st.SaveDevice(ctx, d))

	devices, err := st.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-a", devices[0].ID)
	assert.Equal(t, "darwin", devices[0].Metadata["platform"])

	require.NoError(t, st.DeleteDevice(ctx, "dev-a"))
	devices, err = st.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestFileSessionVersionGuard(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveSession(ctx, SessionRecord{ID: "s1", Version: 5, PrimaryID: "dev-a"}))
	// A stale writer with a lower version must not win.
	require.NoError(t, st.SaveSession(ctx, SessionRecord{ID: "s1", Version: 3, PrimaryID: "dev-b"}))

	rec, ok, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), rec.Version)
	assert.Equal(t, "dev-a", rec.PrimaryID)
}

func TestFileDeleteSessionDropsQueueSnapshot(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveSession(ctx, SessionRecord{ID: "s1", Version: 1}))
	require.NoError(t, st.SaveQueueSnapshot(ctx, QueueSnapshot{
		SessionID: "s1",
		Version:   1,
		Messages:  []QueuedRecord{{ID: "m1", SessionID: "s1", Priority: "normal"}},
		TakenAt:   time.Now().UTC(),
	}))

	snap, ok, err := st.GetQueueSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Messages, 1)

	require.NoError(t, st.DeleteSession(ctx, "s1"))
	_, ok, err = st.GetQueueSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileDeadLetters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := DeadLetterRecord{
		Message:  QueuedRecord{ID: "m-old", SessionID: "s1"},
		Reason:   "delivery failed",
		FailedAt: now.Add(-48 * time.Hour),
	}
	fresh := DeadLetterRecord{
		Message:  QueuedRecord{ID: "m-new", SessionID: "s2"},
		Reason:   "delivery failed",
		FailedAt: now,
	}
	require.NoError(t, st.AppendDeadLetter(ctx, old))
	require.NoError(t, st.AppendDeadLetter(ctx, fresh))

	all, err := st.ListDeadLetters(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	s1, err := st.ListDeadLetters(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, s1, 1)
	assert.Equal(t, "m-old", s1[0].Message.ID)

	n, err := st.PruneDeadLetters(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err = st.ListDeadLetters(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "m-new", all[0].Message.ID)
}

func TestFileDedupPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "courier.db")}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	require.NoError(t, st.PutDedup(ctx, "hash-1", until))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, ok, err := st.GetDedup(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, until, got, time.Second)
}

func TestFileListDedupSkipsExpired(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutDedup(ctx, "live", time.Now().Add(time.Hour)))
	require.NoError(t, st.PutDedup(ctx, "stale", time.Now().Add(-time.Hour)))

	all, err := st.ListDedup(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	_, ok := all["live"]
	assert.True(t, ok)
}

func TestFileStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "courier.db")}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.SaveDevice(ctx, DeviceRecord{ID: "dev-a"}))
	require.NoError(t, st.SaveSession(ctx, SessionRecord{ID: "s1", Version: 2}))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	devices, err := st.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	rec, ok, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.Version)
}

func TestFileClosedReturnsErrDisabled(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Close())

	err := st.SaveDevice(context.Background(), DeviceRecord{ID: "dev-a"})
	assert.ErrorIs(t, err, ErrDisabled)
}
