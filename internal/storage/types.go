package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//   - "postgres": shared Postgres database (DSN required)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeviceRecord is the persisted form of a registered device.
// Keep it compact and schema-stable.
type DeviceRecord struct {
	ID           string            `json:"id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
}

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	DeviceIDs []string  `json:"device_ids"`
	PrimaryID string    `json:"primary_id,omitempty"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueSnapshot captures the queued (not in-flight) items of one session.
type QueueSnapshot struct {
	SessionID string         `json:"session_id"`
	Version   uint64         `json:"version"`
	Messages  []QueuedRecord `json:"messages"`
	TakenAt   time.Time      `json:"taken_at"`
}

// QueuedRecord is one persisted queue entry.
type QueuedRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Priority      string    `json:"priority"`
	Payload       []byte    `json:"payload"`
	Attempts      int       `json:"attempts"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeadLetterRecord is a terminally failed message awaiting manual replay.
type DeadLetterRecord struct {
	Message  QueuedRecord `json:"message"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failed_at"`
}
