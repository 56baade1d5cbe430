package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	logx "courier/pkg/logx"
)

const postgresOperationTimeout = 5 * time.Second

// postgresStore keeps the coordination state in a shared Postgres database.
// This is the driver to use when several relay hosts must see the same
// devices/sessions; file and sqlite are single-host.
type postgresStore struct {
	dsn string
	log logx.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	openDB func(driverName, dsn string) (*sql.DB, error)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	return &postgresStore{dsn: dsn, log: log, openDB: sql.Open}, nil
}

func (s *postgresStore) ensureReady() error {
	if s == nil {
		return ErrDisabled
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		ddl := []string{
			`CREATE TABLE IF NOT EXISTS courier_devices (
				id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS courier_sessions (
				id TEXT PRIMARY KEY,
				version BIGINT NOT NULL DEFAULT 0,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS courier_queue_snapshots (
				session_id TEXT PRIMARY KEY,
				version BIGINT NOT NULL DEFAULT 0,
				payload TEXT NOT NULL,
				taken_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS courier_dead_letters (
				message_id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				failed_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_courier_dead_letters_session ON courier_dead_letters(session_id)`,
			`CREATE TABLE IF NOT EXISTS courier_dedup (
				key TEXT PRIMARY KEY,
				until BIGINT NOT NULL
			)`,
		}
		for _, q := range ddl {
			if _, err := db.ExecContext(ctx, q); err != nil {
				s.initErr = err
				_ = db.Close()
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

// ---- devices ----

func (s *postgresStore) SaveDevice(ctx context.Context, d DeviceRecord) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if strings.TrimSpace(d.ID) == "" {
		return nil
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO courier_devices (id, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
		d.ID, string(payload))
	return err
}

func (s *postgresStore) DeleteDevice(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM courier_devices WHERE id = $1`, id)
	return err
}

func (s *postgresStore) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM courier_devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeviceRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d DeviceRecord
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- sessions ----

func (s *postgresStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	// Stale writers (lower version) must not clobber newer state.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO courier_sessions (id, version, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id)
		DO UPDATE SET version = EXCLUDED.version, payload = EXCLUDED.payload, updated_at = NOW()
		WHERE courier_sessions.version <= EXCLUDED.version`,
		rec.ID, rec.Version, string(payload))
	return err
}

func (s *postgresStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	if err := s.ensureReady(); err != nil {
		return SessionRecord{}, false, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM courier_sessions WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *postgresStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM courier_sessions WHERE id = $1`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM courier_queue_snapshots WHERE session_id = $1`, id)
	return err
}

// ---- queue snapshots ----

func (s *postgresStore) SaveQueueSnapshot(ctx context.Context, snap QueueSnapshot) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if strings.TrimSpace(snap.SessionID) == "" {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO courier_queue_snapshots (session_id, version, payload, taken_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET version = EXCLUDED.version, payload = EXCLUDED.payload, taken_at = NOW()`,
		snap.SessionID, snap.Version, string(payload))
	return err
}

func (s *postgresStore) GetQueueSnapshot(ctx context.Context, sessionID string) (QueueSnapshot, bool, error) {
	if err := s.ensureReady(); err != nil {
		return QueueSnapshot{}, false, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM courier_queue_snapshots WHERE session_id = $1`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueSnapshot{}, false, nil
	}
	if err != nil {
		return QueueSnapshot{}, false, err
	}
	var snap QueueSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return QueueSnapshot{}, false, err
	}
	return snap, true, nil
}

// ---- dead letters ----

func (s *postgresStore) AppendDeadLetter(ctx context.Context, d DeadLetterRecord) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if strings.TrimSpace(d.Message.ID) == "" {
		return nil
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO courier_dead_letters (message_id, session_id, payload, failed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id)
		DO UPDATE SET payload = EXCLUDED.payload, failed_at = EXCLUDED.failed_at`,
		d.Message.ID, d.Message.SessionID, string(payload), d.FailedAt.UnixMilli())
	return err
}

func (s *postgresStore) ListDeadLetters(ctx context.Context, sessionID string) ([]DeadLetterRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT payload FROM courier_dead_letters ORDER BY failed_at`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT payload FROM courier_dead_letters WHERE session_id = $1 ORDER BY failed_at`, sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetterRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d DeadLetterRecord
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteDeadLetter(ctx context.Context, messageID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM courier_dead_letters WHERE message_id = $1`, messageID)
	return err
}

func (s *postgresStore) PruneDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM courier_dead_letters WHERE failed_at < $1`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- dedup ----

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courier_dedup (key, until)
		VALUES ($1, $2)
		ON CONFLICT (key)
		DO UPDATE SET until = EXCLUDED.until`,
		key, until.UnixMilli())
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := s.ensureReady(); err != nil {
		return time.Time{}, false, err
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM courier_dedup WHERE key = $1`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *postgresStore) ListDedup(ctx context.Context) (map[string]time.Time, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, until FROM courier_dedup WHERE until >= $1`, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var key string
		var ms int64
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, err
		}
		out[key] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *postgresStore) PruneDedup(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM courier_dedup WHERE until < $1`, time.Now().UnixMilli())
	return err
}
