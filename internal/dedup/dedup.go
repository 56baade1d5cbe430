// Package dedup implements content-hash based duplicate suppression.
//
// Two enqueue calls with the same (session, normalized content) inside the
// suppression window hash to the same key; the second is rejected. The cache
// is bounded both by entry count and by TTL, whichever evicts first.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"courier/internal/courier"
	logx "courier/pkg/logx"
)

const (
	DefaultWindow     = 5 * time.Second
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 1000
)

type Config struct {
	// Window is the suppression window and the coarse time-bucket width used
	// in the hash.
	Window time.Duration
	// TTL bounds how long a recorded hash stays in the cache.
	TTL time.Duration
	// MaxEntries bounds the cache size; oldest insertions are evicted first.
	MaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	return c
}

// Persistence is the optional write-through store so suppression survives a
// restart. storage.Store satisfies it.
type Persistence interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
}

// Detector is safe for concurrent use. It is shared across sessions and holds
// its own lock, independent of any session lock.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]time.Time // hash -> inserted at
	order   []string             // insertion order for eviction

	persist Persistence
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Detector)

// WithPersistence enables write-through persistence of recorded hashes.
func WithPersistence(p Persistence) Option {
	return func(d *Detector) { d.persist = p }
}

func WithLogger(log logx.Logger) Option {
	return func(d *Detector) { d.log = log }
}

func WithNow(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func New(cfg Config, opts ...Option) *Detector {
	d := &Detector{
		cfg:     cfg.withDefaults(),
		entries: map[string]time.Time{},
		log:     logx.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetWindow applies a new suppression window at runtime (config hot reload).
// Already-recorded hashes keep their original buckets.
func (d *Detector) SetWindow(w time.Duration) {
	if w <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.Window = w
	d.mu.Unlock()
}

// Hash computes the suppression key for the given bucket offset
// (0 = the bucket containing at, -1 = the previous bucket).
func (d *Detector) hash(sessionID, content string, at time.Time, bucketOffset int64) string {
	d.mu.Lock()
	window := d.cfg.Window
	d.mu.Unlock()

	bucket := at.UnixMilli()/window.Milliseconds() + bucketOffset
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(content)))
	h.Write([]byte{0})
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(bucket >> (8 * i))
	}
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns the suppression key for (session, content) at time at.
func (d *Detector) Hash(sessionID, content string, at time.Time) string {
	return d.hash(sessionID, content, at, 0)
}

// Normalize collapses whitespace runs so cosmetic edits still count as the
// same content.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(content)), " ")
}

// Check rejects the content with courier.ErrDuplicateMessage if an identical
// message was recorded inside the suppression window. It records nothing:
// callers Commit once the message is actually accepted, so a rejected enqueue
// (queue full, not primary) does not poison the window for the retry.
//
// Both the current and the previous time bucket are consulted so a pair that
// straddles a bucket boundary is still suppressed.
func (d *Detector) Check(sessionID, content string) error {
	now := d.now()
	cur := d.hash(sessionID, content, now, 0)
	prev := d.hash(sessionID, content, now, -1)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(now)
	window := d.cfg.Window
	if at, ok := d.entries[cur]; ok && now.Sub(at) < window {
		return courier.ErrDuplicateMessage
	}
	if at, ok := d.entries[prev]; ok && now.Sub(at) < window {
		return courier.ErrDuplicateMessage
	}
	return nil
}

// Commit records the content hash so later identical messages are suppressed,
// and writes it through to persistence.
func (d *Detector) Commit(ctx context.Context, sessionID, content string) {
	now := d.now()
	cur := d.hash(sessionID, content, now, 0)

	d.mu.Lock()
	d.pruneLocked(now)
	d.recordLocked(cur, now)
	ttl := d.cfg.TTL
	d.mu.Unlock()

	if d.persist != nil {
		if err := d.persist.PutDedup(ctx, cur, now.Add(ttl)); err != nil {
			d.log.Debug("dedup persist failed", logx.Err(err))
		}
	}
}

// IsDuplicate reports whether the hash is recorded and still inside the TTL.
func (d *Detector) IsDuplicate(hash string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.entries[hash]
	return ok && now.Sub(at) < d.cfg.TTL
}

// Record marks the hash as seen.
func (d *Detector) Record(hash string) {
	now := d.now()
	d.mu.Lock()
	d.pruneLocked(now)
	d.recordLocked(hash, now)
	d.mu.Unlock()
}

// Len returns the number of live cache entries.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Restore preloads a persisted hash. Used at startup so a restarted device
// does not double-send.
func (d *Detector) Restore(hash string, until time.Time) {
	now := d.now()
	if !until.After(now) {
		return
	}
	d.mu.Lock()
	// Re-anchor so the entry expires at the persisted deadline.
	d.recordLocked(hash, until.Add(-d.cfg.TTL))
	d.mu.Unlock()
}

func (d *Detector) recordLocked(hash string, at time.Time) {
	if _, ok := d.entries[hash]; !ok {
		d.order = append(d.order, hash)
	}
	d.entries[hash] = at
	for len(d.entries) > d.cfg.MaxEntries && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
}

func (d *Detector) pruneLocked(now time.Time) {
	if len(d.entries) == 0 {
		return
	}
	keep := d.order[:0]
	for _, h := range d.order {
		at, ok := d.entries[h]
		if !ok {
			continue
		}
		if now.Sub(at) >= d.cfg.TTL {
			delete(d.entries, h)
			continue
		}
		keep = append(keep, h)
	}
	d.order = keep
}
