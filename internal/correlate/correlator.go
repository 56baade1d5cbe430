// Package correlate reconciles out-of-band push delivery with in-session
// message state and detects stalls.
//
// A stall is an escalation signal, not a failure: the backend may legitimately
// be silent for minutes while it works, so nothing is cancelled when the
// threshold fires.
package correlate

import (
	"context"
	"sync"
	"time"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

const (
	EventStallDetected = "correlator.stall_detected"
	EventResolved      = "correlator.resolved"

	DefaultStallAfter    = 150 * time.Second
	DefaultSweepInterval = time.Second
	DefaultRecordTTL     = 10 * time.Minute
)

// Resolution sources.
const (
	SourceSession = "session"
	SourcePush    = "push"
)

// Record tracks one dispatched notification.
type Record struct {
	CorrelationID string     `json:"correlation_id"`
	SessionID     string     `json:"session_id"`
	SentAt        time.Time  `json:"sent_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	Matched       bool       `json:"matched"`
	Source        string     `json:"source,omitempty"`
	Stalled       bool       `json:"stalled"`
}

// StallEvent is the payload published on EventStallDetected.
type StallEvent struct {
	CorrelationID string        `json:"correlation_id"`
	SessionID     string        `json:"session_id"`
	Pending       time.Duration `json:"pending"`
}

// ResolvedEvent is the payload published on EventResolved.
type ResolvedEvent struct {
	CorrelationID string        `json:"correlation_id"`
	SessionID     string        `json:"session_id"`
	Source        string        `json:"source"`
	Elapsed       time.Duration `json:"elapsed"`
	WasStalled    bool          `json:"was_stalled"`
}

type Config struct {
	// StallAfter matches the backend's legitimate "thinking" silence.
	StallAfter    time.Duration
	SweepInterval time.Duration
	// RecordTTL is how long resolved records are retained for status queries.
	RecordTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.StallAfter <= 0 {
		c.StallAfter = DefaultStallAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = DefaultRecordTTL
	}
	return c
}

type Correlator struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*Record

	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

type Option func(*Correlator)

func WithBus(bus eventbus.Bus) Option     { return func(c *Correlator) { c.bus = bus } }
func WithLogger(log logx.Logger) Option   { return func(c *Correlator) { c.log = log } }
func WithNow(now func() time.Time) Option { return func(c *Correlator) { c.now = now } }

func New(cfg Config, opts ...Option) *Correlator {
	c := &Correlator{
		cfg:     cfg.withDefaults(),
		records: map[string]*Record{},
		log:     logx.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetStallAfter applies a new stall threshold at runtime.
func (c *Correlator) SetStallAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.cfg.StallAfter = d
	c.mu.Unlock()
}

// Track registers a dispatched notification. Re-tracking an id refreshes the
// clock.
func (c *Correlator) Track(correlationID, sessionID string) {
	c.mu.Lock()
	c.records[correlationID] = &Record{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		SentAt:        c.now(),
	}
	c.mu.Unlock()
}

// Resolve marks the record matched from either delivery path. The first
// resolution wins; later ones are no-ops. Returns whether this call resolved
// the record.
func (c *Correlator) Resolve(correlationID, source string) bool {
	now := c.now()
	c.mu.Lock()
	r, ok := c.records[correlationID]
	if !ok || r.Matched {
		c.mu.Unlock()
		return false
	}
	r.Matched = true
	r.DeliveredAt = &now
	r.Source = source
	cp := *r
	c.mu.Unlock()

	c.log.Info("notification resolved",
		logx.String("correlation", correlationID),
		logx.String("source", source),
		logx.Duration("elapsed", now.Sub(cp.SentAt)))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: EventResolved, Data: ResolvedEvent{
			CorrelationID: correlationID,
			SessionID:     cp.SessionID,
			Source:        source,
			Elapsed:       now.Sub(cp.SentAt),
			WasStalled:    cp.Stalled,
		}})
	}
	return true
}

// Lookup returns a copy of the record.
func (c *Correlator) Lookup(correlationID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[correlationID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Pending returns the unresolved records for a session ("" = all).
func (c *Correlator) Pending(sessionID string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, r := range c.records {
		if r.Matched {
			continue
		}
		if sessionID == "" || r.SessionID == sessionID {
			out = append(out, *r)
		}
	}
	return out
}

// DropSession discards all records of a torn-down session, cancelling their
// pending stall detection.
func (c *Correlator) DropSession(sessionID string) {
	c.mu.Lock()
	for id, r := range c.records {
		if r.SessionID == sessionID {
			delete(c.records, id)
		}
	}
	c.mu.Unlock()
}

// Run drives the sweep loop until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.Sweep()
		}
	}
}

// Sweep fires StallDetected for records pending past the threshold (once per
// record) and expires resolved records past the retention TTL.
func (c *Correlator) Sweep() {
	now := c.now()
	var stalls []StallEvent

	c.mu.Lock()
	stallAfter := c.cfg.StallAfter
	ttl := c.cfg.RecordTTL
	for id, r := range c.records {
		if !r.Matched && !r.Stalled && now.Sub(r.SentAt) >= stallAfter {
			r.Stalled = true
			stalls = append(stalls, StallEvent{
				CorrelationID: r.CorrelationID,
				SessionID:     r.SessionID,
				Pending:       now.Sub(r.SentAt),
			})
		}
		expireFrom := r.SentAt
		if r.DeliveredAt != nil {
			expireFrom = *r.DeliveredAt
		}
		if r.Matched && now.Sub(expireFrom) >= ttl {
			delete(c.records, id)
		}
	}
	c.mu.Unlock()

	for _, s := range stalls {
		c.log.Warn("stall detected",
			logx.String("correlation", s.CorrelationID),
			logx.String("session", s.SessionID),
			logx.Duration("pending", s.Pending))
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: EventStallDetected, Data: s})
		}
	}
}
