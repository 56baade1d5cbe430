package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "courier/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json          (devices/sessions/queue/dead-letter snapshot)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The dedup journal is periodically compacted into the snapshot. The state
// snapshot is rewritten on every mutation and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath string
	state     fileState

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int

	closed bool
}

type fileState struct {
	Devices     map[string]DeviceRecord     `json:"devices"`
	Sessions    map[string]SessionRecord    `json:"sessions"`
	Queues      map[string]QueueSnapshot    `json:"queues"`
	DeadLetters map[string]DeadLetterRecord `json:"dead_letters"` // keyed by message id
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	statePath := prefix + ".state.json"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	// Load state snapshot (missing file is a fresh store).
	st := fileState{}
	_ = loadStateSnapshot(statePath, &st)
	st.init()

	// Load dedup from snapshot + journal.
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:               log,
		statePath:         statePath,
		state:             st,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (st *fileState) init() {
	if st.Devices == nil {
		st.Devices = map[string]DeviceRecord{}
	}
	if st.Sessions == nil {
		st.Sessions = map[string]SessionRecord{}
	}
	if st.Queues == nil {
		st.Queues = map[string]QueueSnapshot{}
	}
	if st.DeadLetters == nil {
		st.DeadLetters = map[string]DeadLetterRecord{}
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err1 := s.flushStateLocked()
	var err2 error
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// mutateState applies fn under the lock and rewrites the snapshot.
func (s *fileStore) mutateState(fn func(st *fileState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	fn(&s.state)
	return s.flushStateLocked()
}

func (s *fileStore) flushStateLocked() error {
	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

// ---- devices ----

func (s *fileStore) SaveDevice(ctx context.Context, d DeviceRecord) error {
	_ = ctx
	if strings.TrimSpace(d.ID) == "" {
		return nil
	}
	return s.mutateState(func(st *fileState) { st.Devices[d.ID] = d })
}

func (s *fileStore) DeleteDevice(ctx context.Context, id string) error {
	_ = ctx
	return s.mutateState(func(st *fileState) { delete(st.Devices, id) })
}

func (s *fileStore) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	out := make([]DeviceRecord, 0, len(s.state.Devices))
	for _, d := range s.state.Devices {
		out = append(out, d)
	}
	return out, nil
}

// ---- sessions ----

func (s *fileStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.ID) == "" {
		return nil
	}
	return s.mutateState(func(st *fileState) {
		// Never let a stale writer roll the version back.
		if cur, ok := st.Sessions[rec.ID]; ok && cur.Version > rec.Version {
			return
		}
		st.Sessions[rec.ID] = rec
	})
}

func (s *fileStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, false, ErrDisabled
	}
	rec, ok := s.state.Sessions[id]
	return rec, ok, nil
}

func (s *fileStore) DeleteSession(ctx context.Context, id string) error {
	_ = ctx
	return s.mutateState(func(st *fileState) {
		delete(st.Sessions, id)
		delete(st.Queues, id)
	})
}

// ---- queue snapshots ----

func (s *fileStore) SaveQueueSnapshot(ctx context.Context, snap QueueSnapshot) error {
	_ = ctx
	if strings.TrimSpace(snap.SessionID) == "" {
		return nil
	}
	return s.mutateState(func(st *fileState) { st.Queues[snap.SessionID] = snap })
}

func (s *fileStore) GetQueueSnapshot(ctx context.Context, sessionID string) (QueueSnapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return QueueSnapshot{}, false, ErrDisabled
	}
	snap, ok := s.state.Queues[sessionID]
	return snap, ok, nil
}

// ---- dead letters ----

func (s *fileStore) AppendDeadLetter(ctx context.Context, d DeadLetterRecord) error {
	_ = ctx
	if strings.TrimSpace(d.Message.ID) == "" {
		return nil
	}
	return s.mutateState(func(st *fileState) { st.DeadLetters[d.Message.ID] = d })
}

func (s *fileStore) ListDeadLetters(ctx context.Context, sessionID string) ([]DeadLetterRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	out := make([]DeadLetterRecord, 0, 8)
	for _, d := range s.state.DeadLetters {
		if sessionID == "" || d.Message.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fileStore) DeleteDeadLetter(ctx context.Context, messageID string) error {
	_ = ctx
	return s.mutateState(func(st *fileState) { delete(st.DeadLetters, messageID) })
}

func (s *fileStore) PruneDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	_ = ctx
	n := 0
	err := s.mutateState(func(st *fileState) {
		for id, d := range st.DeadLetters {
			if d.FailedAt.Before(olderThan) {
				delete(st.DeadLetters, id)
				n++
			}
		}
	})
	return n, err
}

// ---- dedup ----

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	// Append journal record.
	enc := json.NewEncoder(s.dedupJournalFile)
	if err := enc.Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, nil
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) ListDedup(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	now := time.Now().UnixMilli()
	out := make(map[string]time.Time, len(s.dedup))
	for k, ms := range s.dedup {
		if ms < now {
			continue
		}
		out[k] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) PruneDedup(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	pruneExpiredDedup(s.dedup)
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.dedup == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadStateSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
