package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "courier/pkg/logx"
)

// Store is the persistence API used by the registry, queue and dedup layers.
//
// All methods are safe for concurrent use. Implementations return ErrDisabled
// after Close().
type Store interface {
	SaveDevice(ctx context.Context, d DeviceRecord) error
	DeleteDevice(ctx context.Context, id string) error
	ListDevices(ctx context.Context) ([]DeviceRecord, error)

	SaveSession(ctx context.Context, s SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, bool, error)
	DeleteSession(ctx context.Context, id string) error

	SaveQueueSnapshot(ctx context.Context, snap QueueSnapshot) error
	GetQueueSnapshot(ctx context.Context, sessionID string) (QueueSnapshot, bool, error)

	AppendDeadLetter(ctx context.Context, d DeadLetterRecord) error
	ListDeadLetters(ctx context.Context, sessionID string) ([]DeadLetterRecord, error)
	DeleteDeadLetter(ctx context.Context, messageID string) error
	PruneDeadLetters(ctx context.Context, olderThan time.Time) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	ListDedup(ctx context.Context) (map[string]time.Time, error)
	PruneDedup(ctx context.Context) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
