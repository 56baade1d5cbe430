//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "courier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- devices ----

func (s *sqliteStore) SaveDevice(ctx context.Context, d DeviceRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(d.ID) == "" {
		return nil
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices(id, payload, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		d.ID, string(payload), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteDevice(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM devices`)
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
			s.log.Warn("skipping undecodable device record", logx.Err(err))
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- sessions ----

func (s *sqliteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(rec.ID) == "" {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Stale writers (lower version) must not clobber newer state.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, version, payload, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   version=excluded.version, payload=excluded.payload, updated_at=excluded.updated_at
		 WHERE excluded.version >= sessions.version`,
		rec.ID, rec.Version, string(payload), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, false, ErrDisabled
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, id).Scan(&payload)
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

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_snapshots WHERE session_id = ?`, id)
	return err
}

// ---- queue snapshots ----

func (s *sqliteStore) SaveQueueSnapshot(ctx context.Context, snap QueueSnapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(snap.SessionID) == "" {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_snapshots(session_id, version, payload, taken_at) VALUES(?,?,?,?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   version=excluded.version, payload=excluded.payload, taken_at=excluded.taken_at`,
		snap.SessionID, snap.Version, string(payload), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetQueueSnapshot(ctx context.Context, sessionID string) (QueueSnapshot, bool, error) {
	if s == nil || s.db == nil {
		return QueueSnapshot{}, false, ErrDisabled
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM queue_snapshots WHERE session_id = ?`, sessionID).Scan(&payload)
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

func (s *sqliteStore) AppendDeadLetter(ctx context.Context, d DeadLetterRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(d.Message.ID) == "" {
		return nil
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(message_id, session_id, payload, failed_at) VALUES(?,?,?,?)
		 ON CONFLICT(message_id) DO UPDATE SET payload=excluded.payload, failed_at=excluded.failed_at`,
		d.Message.ID, d.Message.SessionID, string(payload), d.FailedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListDeadLetters(ctx context.Context, sessionID string) ([]DeadLetterRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT payload FROM dead_letters ORDER BY failed_at`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT payload FROM dead_letters WHERE session_id = ? ORDER BY failed_at`, sessionID)
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

func (s *sqliteStore) DeleteDeadLetter(ctx context.Context, messageID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE message_id = ?`, messageID)
	return err
}

func (s *sqliteStore) PruneDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE failed_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.PruneDedup(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) ListDedup(ctx context.Context) (map[string]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, until FROM dedup WHERE until >= ?`, time.Now().UnixMilli())
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

func (s *sqliteStore) PruneDedup(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}
