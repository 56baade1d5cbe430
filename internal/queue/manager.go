package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/courier"
	"courier/internal/dedup"
	"courier/internal/eventbus"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

const (
	DefaultCapacity      = 256
	DefaultRetryMax      = 5
	DefaultRetryBase     = 2 * time.Second
	DefaultRetryMaxDelay = 60 * time.Second
	DefaultRetryJitter   = 0.2
	DefaultStatsWindow   = 100
	DefaultDeadLetterMax = 100
)

type Config struct {
	// Capacity bounds queued (not in-flight) items per session. Under
	// backpressure low priority is rejected first.
	Capacity int
	// RetryMax is the total number of delivery attempts before dead-letter.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
	// StatsWindow bounds the trailing window average-processing-time is
	// computed over.
	StatsWindow int
	// DeadLetterMax bounds the in-memory dead-letter mirror per session.
	DeadLetterMax int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = DefaultRetryJitter
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = DefaultStatsWindow
	}
	if c.DeadLetterMax <= 0 {
		c.DeadLetterMax = DefaultDeadLetterMax
	}
	return c
}

// Manager owns one worker per session and the shared retry/backpressure
// policy.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*sessionQueue
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	deliverer Deliverer
	primary   PrimaryChecker
	detector  *dedup.Detector
	bus       eventbus.Bus
	store     storage.Store
	log       logx.Logger
}

type Option func(*Manager)

func WithPrimaryChecker(p PrimaryChecker) Option { return func(m *Manager) { m.primary = p } }
func WithDetector(d *dedup.Detector) Option      { return func(m *Manager) { m.detector = d } }
func WithBus(bus eventbus.Bus) Option            { return func(m *Manager) { m.bus = bus } }
func WithStore(store storage.Store) Option       { return func(m *Manager) { m.store = store } }
func WithLogger(log logx.Logger) Option          { return func(m *Manager) { m.log = log } }

func New(cfg Config, deliverer Deliverer, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		sessions:  map[string]*sessionQueue{},
		deliverer: deliverer,
		log:       logx.Nop(),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetConfig applies new policy knobs at runtime (config hot reload).
// Running retry waits keep their already-computed delay.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

type EnqueueRequest struct {
	SessionID     string
	DeviceID      string
	Content       []byte
	Priority      Priority
	CorrelationID string
}

// Enqueue accepts a message for delivery and returns its 1-based position in
// dequeue order.
//
// Rejections: courier.ErrNotPrimary when the device does not hold the
// session's primary role, courier.ErrDuplicateMessage inside the suppression
// window, courier.ErrQueueFull under backpressure (low priority first).
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (int, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0, courier.ErrStopped
	}
	cfg := m.cfg
	m.mu.Unlock()

	if m.primary != nil && !m.primary.IsPrimary(req.SessionID, req.DeviceID) {
		return 0, courier.ErrNotPrimary
	}
	if m.detector != nil {
		if err := m.detector.Check(req.SessionID, string(req.Content)); err != nil {
			m.log.Debug("duplicate suppressed", logx.String("session", req.SessionID))
			return 0, err
		}
	}

	q, err := m.session(ctx, req.SessionID, true)
	if err != nil {
		return 0, err
	}

	msg := &Message{
		ID:            uuid.NewString(),
		SessionID:     req.SessionID,
		DeviceID:      req.DeviceID,
		Priority:      req.Priority,
		Payload:       req.Content,
		Status:        StatusQueued,
		CorrelationID: req.CorrelationID,
		CreatedAt:     time.Now(),
	}

	q.mu.Lock()
	total := q.depthLocked()
	switch {
	case total >= cfg.Capacity:
		q.mu.Unlock()
		return 0, courier.ErrQueueFull
	case req.Priority == PriorityLow && total >= cfg.Capacity*8/10:
		q.mu.Unlock()
		return 0, fmt.Errorf("low priority shed: %w", courier.ErrQueueFull)
	case req.Priority == PriorityNormal && total >= cfg.Capacity*9/10:
		q.mu.Unlock()
		return 0, fmt.Errorf("normal priority shed: %w", courier.ErrQueueFull)
	}
	pos := 1
	for i := Priority(0); i <= req.Priority && i < numPriorities; i++ {
		pos += len(q.lanes[i])
	}
	q.lanes[req.Priority] = append(q.lanes[req.Priority], msg)
	q.mu.Unlock()

	// Record the hash only now that the message is accepted: a backpressure
	// rejection must leave the window clean for the client's retry.
	if m.detector != nil {
		m.detector.Commit(ctx, req.SessionID, string(req.Content))
	}

	m.persistSnapshot(q)
	q.wakeWorker()
	return pos, nil
}

// Status returns the session's queue stats.
func (m *Manager) Status(sessionID string) (Stats, error) {
	m.mu.Lock()
	q, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Stats{}, courier.ErrUnknownSession
	}
	return q.stats(), nil
}

// Pause halts the session's worker without discarding queued items. The
// in-flight delivery, if any, completes. Pausing a session that has no queue
// yet creates it, so items can be staged before the worker starts draining.
func (m *Manager) Pause(sessionID string) error {
	q, err := m.session(context.Background(), sessionID, true)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	m.log.Info("queue paused", logx.String("session", sessionID))
	return nil
}

func (m *Manager) Resume(sessionID string) error {
	q, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wakeWorker()
	m.log.Info("queue resumed", logx.String("session", sessionID))
	return nil
}

// Clear discards queued (not in-flight) items.
func (m *Manager) Clear(sessionID string) error {
	q, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	n := q.depthLocked()
	for i := range q.lanes {
		q.lanes[i] = nil
	}
	q.mu.Unlock()
	m.persistSnapshot(q)
	m.log.Info("queue cleared", logx.String("session", sessionID), logx.Int("dropped", n))
	return nil
}

// DeadLetters lists the session's dead-lettered messages.
func (m *Manager) DeadLetters(ctx context.Context, sessionID string) ([]storage.DeadLetterRecord, error) {
	if m.store != nil {
		return m.store.ListDeadLetters(ctx, sessionID)
	}
	q, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]storage.DeadLetterRecord, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out, nil
}

// Replay moves a dead-lettered message back to queued. This is the only path
// out of the dead-letter state, and it is always an explicit manual action,
// so the primary and duplicate checks do not apply.
func (m *Manager) Replay(ctx context.Context, sessionID, messageID string) error {
	var rec *storage.DeadLetterRecord

	if m.store != nil {
		list, err := m.store.ListDeadLetters(ctx, sessionID)
		if err != nil {
			return err
		}
		for i := range list {
			if list[i].Message.ID == messageID {
				rec = &list[i]
				break
			}
		}
	}
	q, _ := m.lookup(sessionID)
	if rec == nil && q != nil {
		q.mu.Lock()
		for i := range q.deadLetters {
			if q.deadLetters[i].Message.ID == messageID {
				cp := q.deadLetters[i]
				rec = &cp
				break
			}
		}
		q.mu.Unlock()
	}
	if rec == nil {
		return fmt.Errorf("dead letter %s: %w", messageID, courier.ErrDeadLettered)
	}

	prio, err := ParsePriority(rec.Message.Priority)
	if err != nil {
		prio = PriorityNormal
	}
	msg := &Message{
		ID:            rec.Message.ID,
		SessionID:     sessionID,
		Priority:      prio,
		Payload:       rec.Message.Payload,
		Status:        StatusQueued,
		CorrelationID: rec.Message.CorrelationID,
		CreatedAt:     time.Now(),
	}

	if q == nil {
		if q, err = m.session(ctx, sessionID, true); err != nil {
			return err
		}
	}
	q.mu.Lock()
	q.lanes[prio] = append(q.lanes[prio], msg)
	for i := range q.deadLetters {
		if q.deadLetters[i].Message.ID == messageID {
			q.deadLetters = append(q.deadLetters[:i], q.deadLetters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteDeadLetter(ctx, messageID); err != nil {
			m.log.Warn("dead letter delete failed", logx.String("message", messageID), logx.Err(err))
		}
	}
	m.persistSnapshot(q)
	q.wakeWorker()
	m.log.Info("dead letter replayed", logx.String("session", sessionID), logx.String("message", messageID))
	return nil
}

// EndSession stops the session's worker and drops its queue state. Called
// when the last device leaves.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	q, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	q.cancel()
	<-q.done
	m.persistSnapshot(q)
}

// Stop shuts the manager down gracefully: no new enqueues, in-flight
// deliveries complete or are requeued, queued items are persisted.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	sessions := make([]*sessionQueue, 0, len(m.sessions))
	for _, q := range m.sessions {
		sessions = append(sessions, q)
	}
	m.mu.Unlock()
	for _, q := range sessions {
		m.persistSnapshot(q)
	}
	return nil
}

func (m *Manager) lookup(sessionID string) (*sessionQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.sessions[sessionID]
	if !ok {
		return nil, courier.ErrUnknownSession
	}
	return q, nil
}

// session returns the session queue, creating it (and starting its worker)
// on first use. Creation restores the persisted snapshot, if any.
func (m *Manager) session(ctx context.Context, sessionID string, create bool) (*sessionQueue, error) {
	m.mu.Lock()
	if q, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return q, nil
	}
	if !create {
		m.mu.Unlock()
		return nil, courier.ErrUnknownSession
	}
	if m.stopped {
		m.mu.Unlock()
		return nil, courier.ErrStopped
	}
	q := newSessionQueue(sessionID, m.cfg)
	wctx, cancel := context.WithCancel(m.ctx)
	q.cancel = cancel
	m.sessions[sessionID] = q
	m.wg.Add(1)
	m.mu.Unlock()

	m.restore(ctx, q)
	go func() {
		defer m.wg.Done()
		defer close(q.done)
		m.runWorker(wctx, q)
	}()
	return q, nil
}

func (m *Manager) restore(ctx context.Context, q *sessionQueue) {
	if m.store == nil {
		return
	}
	snap, ok, err := m.store.GetQueueSnapshot(ctx, q.sessionID)
	if err != nil {
		m.log.Warn("queue snapshot load failed", logx.String("session", q.sessionID), logx.Err(err))
		return
	}
	if !ok || len(snap.Messages) == 0 {
		return
	}
	q.mu.Lock()
	q.version = snap.Version
	for _, rec := range snap.Messages {
		prio, err := ParsePriority(rec.Priority)
		if err != nil {
			prio = PriorityNormal
		}
		q.lanes[prio] = append(q.lanes[prio], &Message{
			ID:            rec.ID,
			SessionID:     rec.SessionID,
			Priority:      prio,
			Payload:       rec.Payload,
			Attempts:      rec.Attempts,
			Status:        StatusQueued,
			CorrelationID: rec.CorrelationID,
			CreatedAt:     rec.CreatedAt,
		})
	}
	n := q.depthLocked()
	q.mu.Unlock()
	m.log.Info("queue restored", logx.String("session", q.sessionID), logx.Int("messages", n))
	q.wakeWorker()
}

func (m *Manager) persistSnapshot(q *sessionQueue) {
	if m.store == nil || q == nil {
		return
	}
	q.mu.Lock()
	q.version++
	snap := storage.QueueSnapshot{
		SessionID: q.sessionID,
		Version:   q.version,
		TakenAt:   time.Now(),
	}
	for i := range q.lanes {
		for _, msg := range q.lanes[i] {
			snap.Messages = append(snap.Messages, storage.QueuedRecord{
				ID:            msg.ID,
				SessionID:     msg.SessionID,
				Priority:      msg.Priority.String(),
				Payload:       msg.Payload,
				Attempts:      msg.Attempts,
				Status:        string(StatusQueued),
				CorrelationID: msg.CorrelationID,
				CreatedAt:     msg.CreatedAt,
			})
		}
	}
	q.mu.Unlock()

	ctx, cancelPersist := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelPersist()
	if err := m.store.SaveQueueSnapshot(ctx, snap); err != nil {
		m.log.Warn("queue snapshot persist failed", logx.String("session", q.sessionID), logx.Err(err))
	}
}
