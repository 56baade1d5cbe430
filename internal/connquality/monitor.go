// Package connquality scores connection health and drives reconnect backoff.
//
// One Monitor tracks one logical connection. Quality is derived from a
// rolling window of recent attempt outcomes; reconnects are scheduled with
// jittered exponential backoff and can be cancelled at any time.
package connquality

import (
	"math/rand"
	"sync"
	"time"

	logx "courier/pkg/logx"
)

type Quality int

const (
	QualityUnknown Quality = iota
	QualityExcellent
	QualityGood
	QualityFair
	QualityPoor
	QualityOffline
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	case QualityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventReconnecting   EventType = "reconnecting"
	EventQualityChanged EventType = "quality_changed"
	EventError          EventType = "error"
)

// Event is one entry of the capped history ring.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Quality Quality   `json:"quality"`
	Detail  string    `json:"detail,omitempty"`
}

const (
	DefaultWindowSize        = 10
	DefaultReconnectBase     = time.Second
	DefaultReconnectMaxDelay = 60 * time.Second
	DefaultHistorySize       = 50
)

type Config struct {
	// WindowSize is the number of recent attempts the failure rate is
	// computed over.
	WindowSize        int
	ReconnectBase     time.Duration
	ReconnectMaxDelay time.Duration
	HistorySize       int
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// QualityListener is notified after every quality transition.
// Called without the monitor lock held; must not block for long.
type QualityListener func(old, new Quality)

type Monitor struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	now func() time.Time

	outcomes []bool // rolling window, true = success
	consecOK int
	consecKO int
	quality  Quality
	offline  bool

	reconnectAttempt int
	reconnectTimer   *time.Timer
	nextRetryAt      time.Time

	history []Event
	histAt  int
	histLen int

	onQuality QualityListener
}

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option     { return func(m *Monitor) { m.log = log } }
func WithNow(now func() time.Time) Option   { return func(m *Monitor) { m.now = now } }
func OnQualityChange(l QualityListener) Option {
	return func(m *Monitor) { m.onQuality = l }
}

func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		log:     logx.Nop(),
		now:     time.Now,
		quality: QualityUnknown,
	}
	for _, o := range opts {
		o(m)
	}
	m.history = make([]Event, m.cfg.HistorySize)
	return m
}

// Connected records a successful connection attempt.
func (m *Monitor) Connected() {
	m.mu.Lock()
	m.offline = false
	m.reconnectAttempt = 0
	m.nextRetryAt = time.Time{}
	m.pushOutcomeLocked(true)
	m.recordLocked(EventConnected, "")
	old, cur := m.recomputeLocked()
	m.mu.Unlock()
	m.notify(old, cur)
}

// RecordSuccess records a successful send/receive on the live connection.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.pushOutcomeLocked(true)
	old, cur := m.recomputeLocked()
	m.mu.Unlock()
	m.notify(old, cur)
}

// RecordFailure records a failed attempt.
func (m *Monitor) RecordFailure(err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	m.mu.Lock()
	m.pushOutcomeLocked(false)
	m.recordLocked(EventError, detail)
	old, cur := m.recomputeLocked()
	m.mu.Unlock()
	m.notify(old, cur)
}

// Disconnected marks the connection offline and resets the success streak.
func (m *Monitor) Disconnected(reason string) {
	m.mu.Lock()
	m.offline = true
	m.consecOK = 0
	m.recordLocked(EventDisconnected, reason)
	old, cur := m.recomputeLocked()
	m.mu.Unlock()
	m.notify(old, cur)
}

func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// NextRetryAt returns the deadline of the pending reconnect, if any.
func (m *Monitor) NextRetryAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextRetryAt, m.reconnectTimer != nil
}

// ScheduleReconnect arms a backoff timer and invokes fn when it fires.
// A previously pending reconnect is replaced. The delay grows exponentially
// with each consecutive call and resets on Connected.
func (m *Monitor) ScheduleReconnect(fn func()) time.Duration {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	delay := backoffDelay(m.cfg.ReconnectBase, m.cfg.ReconnectMaxDelay, m.reconnectAttempt)
	m.reconnectAttempt++
	m.nextRetryAt = m.now().Add(delay)
	m.recordLocked(EventReconnecting, delay.String())
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.nextRetryAt = time.Time{}
		m.mu.Unlock()
		fn()
	})
	m.mu.Unlock()
	return delay
}

// CancelReconnect stops any pending reconnect timer. Idempotent.
func (m *Monitor) CancelReconnect() {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
		m.nextRetryAt = time.Time{}
	}
	m.mu.Unlock()
}

// History returns the event ring, oldest first.
func (m *Monitor) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, m.histLen)
	start := m.histAt - m.histLen
	for i := 0; i < m.histLen; i++ {
		idx := (start + i + len(m.history)) % len(m.history)
		out = append(out, m.history[idx])
	}
	return out
}

func (m *Monitor) notify(old, cur Quality) {
	if old != cur && m.onQuality != nil {
		m.onQuality(old, cur)
	}
}

func (m *Monitor) pushOutcomeLocked(ok bool) {
	m.outcomes = append(m.outcomes, ok)
	if len(m.outcomes) > m.cfg.WindowSize {
		m.outcomes = m.outcomes[len(m.outcomes)-m.cfg.WindowSize:]
	}
	if ok {
		m.consecOK++
		m.consecKO = 0
	} else {
		m.consecKO++
		m.consecOK = 0
	}
}

// recomputeLocked derives the quality and returns (old, new).
func (m *Monitor) recomputeLocked() (Quality, Quality) {
	old := m.quality
	cur := m.deriveLocked()
	if cur != old {
		m.quality = cur
		m.recordLocked(EventQualityChanged, cur.String())
	}
	return old, cur
}

func (m *Monitor) deriveLocked() Quality {
	if m.offline {
		return QualityOffline
	}
	if len(m.outcomes) == 0 {
		return QualityUnknown
	}
	if m.consecKO >= 3 {
		return QualityPoor
	}
	// A short success streak recovers the connection to good even if the
	// window still carries failures.
	if m.consecOK >= 2 && m.consecOK < len(m.outcomes) {
		return QualityGood
	}
	fails := 0
	for _, ok := range m.outcomes {
		if !ok {
			fails++
		}
	}
	rate := float64(fails) / float64(len(m.outcomes))
	switch {
	case rate == 0:
		return QualityExcellent
	case rate <= 0.2:
		return QualityGood
	case rate <= 0.5:
		return QualityFair
	default:
		return QualityPoor
	}
}

func (m *Monitor) recordLocked(t EventType, detail string) {
	e := Event{Type: t, Time: m.now(), Quality: m.quality, Detail: detail}
	m.history[m.histAt%len(m.history)] = e
	m.histAt = (m.histAt + 1) % len(m.history)
	if m.histLen < len(m.history) {
		m.histLen++
	}
}

// backoffDelay returns base*2^attempt capped at max, with ±20% jitter.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	d += jitter
	if d < base/2 {
		d = base / 2
	}
	if d > max {
		d = max
	}
	return d
}
