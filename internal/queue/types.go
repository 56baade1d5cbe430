// Package queue implements the per-session prioritized delivery queue with
// retry, dead-lettering and trailing-window stats.
//
// Exactly one worker drains each session's queue, preserving priority/FIFO
// order and the single-sender guarantee. Retry waits block only that
// session's worker.
package queue

import (
	"context"
	"fmt"
	"time"
)

type Priority int

// Dequeue order: high before normal before low, FIFO within a tier.
const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

type Status string

// Transitions are monotonic: queued→sending→delivered, or
// queued→sending→failed→…→dead-lettered. Only an explicit replay moves a
// dead-lettered message back to queued.
const (
	StatusQueued       Status = "queued"
	StatusSending      Status = "sending"
	StatusDelivered    Status = "delivered"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead-lettered"
)

// Message is one queue entry. Mutated only by the owning session worker once
// enqueued.
type Message struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	DeviceID      string    `json:"device_id"`
	Priority      Priority  `json:"priority"`
	Payload       []byte    `json:"payload"`
	Attempts      int       `json:"attempts"`
	Status        Status    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Deliverer performs one delivery attempt. Returning nil marks the message
// delivered. Wrap errors with NoRetry or RetryAfter to steer the retry loop;
// anything else is retried per backoff policy.
//
// The delivery attempt may block indefinitely on the backend; only ctx
// cancellation (shutdown) interrupts it.
type Deliverer interface {
	Deliver(ctx context.Context, msg *Message) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, msg *Message) error

func (f DelivererFunc) Deliver(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// PrimaryChecker gates enqueue on the caller holding the session's primary
// role. The registry satisfies it.
type PrimaryChecker interface {
	IsPrimary(sessionID, deviceID string) bool
}

// Stats is a read-only snapshot of one session's queue.
type Stats struct {
	Depth         int           `json:"depth"`
	InFlight      bool          `json:"in_flight"`
	Paused        bool          `json:"paused"`
	Processed     uint64        `json:"processed"`
	Failed        uint64        `json:"failed"`
	DeadLettered  uint64        `json:"dead_lettered"`
	AvgProcessing time.Duration `json:"avg_processing"`
}

// Bus event types and payloads.
const (
	EventDelivered    = "queue.delivered"
	EventDeadLettered = "queue.dead_lettered"
)

type DeliveredEvent struct {
	SessionID     string        `json:"session_id"`
	MessageID     string        `json:"message_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Attempts      int           `json:"attempts"`
	Elapsed       time.Duration `json:"elapsed"`
}

type DeadLetteredEvent struct {
	SessionID     string `json:"session_id"`
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Attempts      int    `json:"attempts"`
	Reason        string `json:"reason"`
}
