package queue

import (
	"context"
	"sync"
	"time"

	"courier/internal/eventbus"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

type outcome struct {
	ok  bool
	dur time.Duration
}

// sessionQueue holds one session's lanes and counters. The worker goroutine
// is the only mutator of message state after enqueue.
type sessionQueue struct {
	sessionID string

	mu       sync.Mutex
	lanes    [numPriorities][]*Message
	inflight *Message
	paused   bool
	version  uint64

	processed    uint64
	failed       uint64
	deadLettered uint64
	window       []outcome
	windowAt     int
	windowLen    int

	deadLetters []storage.DeadLetterRecord

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newSessionQueue(sessionID string, cfg Config) *sessionQueue {
	return &sessionQueue{
		sessionID: sessionID,
		window:    make([]outcome, cfg.StatsWindow),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (q *sessionQueue) wakeWorker() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sessionQueue) depthLocked() int {
	n := 0
	for i := range q.lanes {
		n += len(q.lanes[i])
	}
	return n
}

// pop takes the next message in priority/FIFO order, or nil when the queue is
// empty or paused.
func (q *sessionQueue) pop() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return nil
	}
	for i := range q.lanes {
		if len(q.lanes[i]) == 0 {
			continue
		}
		msg := q.lanes[i][0]
		q.lanes[i] = q.lanes[i][1:]
		q.inflight = msg
		msg.Status = StatusSending
		return msg
	}
	return nil
}

// requeueFront puts an interrupted in-flight message back at the head of its
// lane so it goes out first after restart.
func (q *sessionQueue) requeueFront(msg *Message) {
	q.mu.Lock()
	msg.Status = StatusQueued
	q.lanes[msg.Priority] = append([]*Message{msg}, q.lanes[msg.Priority]...)
	q.inflight = nil
	q.mu.Unlock()
}

func (q *sessionQueue) recordOutcome(o outcome) {
	q.window[q.windowAt] = o
	q.windowAt = (q.windowAt + 1) % len(q.window)
	if q.windowLen < len(q.window) {
		q.windowLen++
	}
}

func (q *sessionQueue) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Depth:        q.depthLocked(),
		InFlight:     q.inflight != nil,
		Paused:       q.paused,
		Processed:    q.processed,
		Failed:       q.failed,
		DeadLettered: q.deadLettered,
	}
	if q.windowLen > 0 {
		var total time.Duration
		n := 0
		for i := 0; i < q.windowLen; i++ {
			if q.window[i].ok {
				total += q.window[i].dur
				n++
			}
		}
		if n > 0 {
			s.AvgProcessing = total / time.Duration(n)
		}
	}
	return s
}

// runWorker drains the session queue until ctx is cancelled.
func (m *Manager) runWorker(ctx context.Context, q *sessionQueue) {
	m.log.Debug("queue worker started", logx.String("session", q.sessionID))
	defer m.log.Debug("queue worker stopped", logx.String("session", q.sessionID))
	for {
		msg := q.pop()
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		m.process(ctx, q, msg)
		m.persistSnapshot(q)
		if ctx.Err() != nil {
			return
		}
	}
}

// process drives one message to a terminal state: delivered, dead-lettered,
// or requeued on shutdown. Retry waits block only this session's worker.
func (m *Manager) process(ctx context.Context, q *sessionQueue, msg *Message) {
	start := time.Now()
	for {
		if ctx.Err() != nil {
			q.requeueFront(msg)
			return
		}
		msg.Attempts++
		err := m.deliverer.Deliver(ctx, msg)
		if err == nil {
			m.delivered(q, msg, time.Since(start))
			return
		}
		if ctx.Err() != nil {
			q.requeueFront(msg)
			return
		}

		m.mu.Lock()
		cfg := m.cfg
		m.mu.Unlock()

		if isNoRetry(err) || msg.Attempts >= cfg.RetryMax {
			m.deadLetter(q, msg, err, time.Since(start))
			return
		}
		msg.Status = StatusFailed

		delay, hinted := retryAfterHint(err)
		if !hinted {
			delay = backoffDelay(cfg.RetryBase, cfg.RetryMaxDelay, msg.Attempts, cfg.RetryJitter)
		}
		m.log.Warn("delivery failed, retrying",
			logx.String("session", msg.SessionID),
			logx.String("message", msg.ID),
			logx.Int("attempt", msg.Attempts),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			q.requeueFront(msg)
			return
		case <-timer.C:
		}
		msg.Status = StatusSending
	}
}

func (m *Manager) delivered(q *sessionQueue, msg *Message, elapsed time.Duration) {
	msg.Status = StatusDelivered
	q.mu.Lock()
	q.inflight = nil
	q.processed++
	q.recordOutcome(outcome{ok: true, dur: elapsed})
	q.mu.Unlock()

	m.log.Info("message delivered",
		logx.String("session", msg.SessionID),
		logx.String("message", msg.ID),
		logx.Int("attempts", msg.Attempts),
		logx.Duration("elapsed", elapsed),
	)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: EventDelivered, Data: DeliveredEvent{
			SessionID:     msg.SessionID,
			MessageID:     msg.ID,
			CorrelationID: msg.CorrelationID,
			Attempts:      msg.Attempts,
			Elapsed:       elapsed,
		}})
	}
}

func (m *Manager) deadLetter(q *sessionQueue, msg *Message, cause error, elapsed time.Duration) {
	msg.Status = StatusDeadLettered
	rec := storage.DeadLetterRecord{
		Message: storage.QueuedRecord{
			ID:            msg.ID,
			SessionID:     msg.SessionID,
			Priority:      msg.Priority.String(),
			Payload:       msg.Payload,
			Attempts:      msg.Attempts,
			Status:        string(StatusDeadLettered),
			CorrelationID: msg.CorrelationID,
			CreatedAt:     msg.CreatedAt,
		},
		Reason:   cause.Error(),
		FailedAt: time.Now(),
	}

	q.mu.Lock()
	q.inflight = nil
	q.failed++
	q.deadLettered++
	q.recordOutcome(outcome{ok: false, dur: elapsed})
	q.deadLetters = append(q.deadLetters, rec)
	m.mu.Lock()
	maxDL := m.cfg.DeadLetterMax
	m.mu.Unlock()
	if len(q.deadLetters) > maxDL {
		q.deadLetters = q.deadLetters[len(q.deadLetters)-maxDL:]
	}
	q.mu.Unlock()

	m.log.Error("message dead-lettered",
		logx.String("session", msg.SessionID),
		logx.String("message", msg.ID),
		logx.Int("attempts", msg.Attempts),
		logx.Err(cause),
	)
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.store.AppendDeadLetter(ctx, rec); err != nil {
			m.log.Warn("dead letter persist failed", logx.String("message", msg.ID), logx.Err(err))
		}
		cancel()
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: EventDeadLettered, Data: DeadLetteredEvent{
			SessionID:     msg.SessionID,
			MessageID:     msg.ID,
			CorrelationID: msg.CorrelationID,
			Attempts:      msg.Attempts,
			Reason:        cause.Error(),
		}})
	}
}
