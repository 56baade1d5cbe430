package connquality

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialQualityUnknown(t *testing.T) {
	m := New(Config{})
	assert.Equal(t, QualityUnknown, m.Quality())
}

func TestDegradesToPoorAfterThreeConsecutiveFailures(t *testing.T) {
	m := New(Config{})
	m.Connected()
	errSend := errors.New("send failed")

	m.RecordFailure(errSend)
	m.RecordFailure(errSend)
	assert.NotEqual(t, QualityPoor, m.Quality())

	m.RecordFailure(errSend)
	assert.Equal(t, QualityPoor, m.Quality())
}

func TestRecoversToGoodAfterTwoConsecutiveSuccesses(t *testing.T) {
	m := New(Config{})
	m.Connected()
	for i := 0; i < 3; i++ {
		m.RecordFailure(errors.New("boom"))
	}
	require.Equal(t, QualityPoor, m.Quality())

	m.RecordSuccess()
	m.RecordSuccess()
	assert.Equal(t, QualityGood, m.Quality())
}

func TestAllSuccessesIsExcellent(t *testing.T) {
	m := New(Config{})
	m.Connected()
	for i := 0; i < 5; i++ {
		m.RecordSuccess()
	}
	assert.Equal(t, QualityExcellent, m.Quality())
}

func TestDisconnectIsOffline(t *testing.T) {
	m := New(Config{})
	m.Connected()
	m.Disconnected("network lost")
	assert.Equal(t, QualityOffline, m.Quality())

	// Reconnecting clears offline.
	m.Connected()
	assert.NotEqual(t, QualityOffline, m.Quality())
}

func TestRollingWindowBoundsFailureMemory(t *testing.T) {
	m := New(Config{WindowSize: 4})
	m.Connected()
	for i := 0; i < 3; i++ {
		m.RecordFailure(errors.New("boom"))
	}
	// Enough successes to push all failures out of the window.
	for i := 0; i < 4; i++ {
		m.RecordSuccess()
	}
	assert.Equal(t, QualityExcellent, m.Quality())
}

func TestScheduleReconnectFires(t *testing.T) {
	m := New(Config{ReconnectBase: 5 * time.Millisecond, ReconnectMaxDelay: 20 * time.Millisecond})
	var fired atomic.Int32
	m.ScheduleReconnect(func() { fired.Add(1) })

	_, pending := m.NextRetryAt()
	assert.True(t, pending)

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, pending = m.NextRetryAt()
	assert.False(t, pending)
}

func TestScheduleReconnectBackoffGrows(t *testing.T) {
	m := New(Config{ReconnectBase: 100 * time.Millisecond, ReconnectMaxDelay: time.Minute})
	d1 := m.ScheduleReconnect(func() {})
	m.CancelReconnect()
	d2 := m.ScheduleReconnect(func() {})
	m.CancelReconnect()

	// Second delay is roughly double the first (within jitter).
	assert.Greater(t, d2, d1)
}

func TestCancelReconnectIdempotent(t *testing.T) {
	m := New(Config{ReconnectBase: 50 * time.Millisecond})
	var fired atomic.Int32
	m.ScheduleReconnect(func() { fired.Add(1) })

	m.CancelReconnect()
	m.CancelReconnect()

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestConnectedResetsBackoff(t *testing.T) {
	m := New(Config{ReconnectBase: 100 * time.Millisecond, ReconnectMaxDelay: time.Minute})
	m.ScheduleReconnect(func() {})
	m.CancelReconnect()
	m.ScheduleReconnect(func() {})
	m.CancelReconnect()

	m.Connected()
	d := m.ScheduleReconnect(func() {})
	m.CancelReconnect()
	// Back to roughly the base delay.
	assert.Less(t, d, 200*time.Millisecond)
}

func TestHistoryRingCapped(t *testing.T) {
	m := New(Config{HistorySize: 5})
	for i := 0; i < 12; i++ {
		m.RecordSuccess()
	}
	h := m.History()
	require.Len(t, h, 5)
}

func TestQualityChangeListener(t *testing.T) {
	var transitions atomic.Int32
	m := New(Config{}, OnQualityChange(func(old, new Quality) {
		transitions.Add(1)
	}))
	m.Connected() // unknown -> excellent
	for i := 0; i < 3; i++ {
		m.RecordFailure(errors.New("boom")) // -> fair -> poor
	}
	assert.GreaterOrEqual(t, transitions.Load(), int32(2))
}
