package distributed

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var distributedSchema string

// Attempt statuses recorded by workers.
const (
	AttemptRunning     = "running"
	AttemptCompleted   = "completed"
	AttemptFailed      = "failed"
	AttemptInterrupted = "interrupted"
)

var errRunIDRequired = errors.New("run id is required")

// AttemptStore keeps the execution history of distributed runs: one record
// per attempt, worker liveness and the queue events of each run.
type AttemptStore interface {
	StartAttempt(ctx context.Context, record AttemptRecord) error
	FinishAttempt(ctx context.Context, batch string, runID int64, attempt int, status string, errText string) error
	ListAttempts(ctx context.Context, runID int64, limit int) ([]AttemptRecord, error)
	BatchStats(ctx context.Context, batch string) (BatchStats, error)
	SaveWorkerHeartbeat(ctx context.Context, heartbeat WorkerHeartbeat) error
	ListWorkerHeartbeats(ctx context.Context, limit int) ([]WorkerHeartbeat, error)
	SaveQueueEvent(ctx context.Context, event QueueEvent) error
	ListQueueEvents(ctx context.Context, runID int64, limit int) ([]QueueEvent, error)
	Close() error
}

// SQLiteAttemptStore is an AttemptStore in a local sqlite file. Workers on
// other hosts need their own file; the campaign only reads the pool's.
type SQLiteAttemptStore struct {
	db *sql.DB
}

var _ AttemptStore = (*SQLiteAttemptStore)(nil)

func NewSQLiteAttemptStore(path string) (*SQLiteAttemptStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("attempt store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attempt store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt store: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", distributedSchema} {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize attempt store: %w", err)
		}
	}
	return &SQLiteAttemptStore{db: db}, nil
}

func (s *SQLiteAttemptStore) StartAttempt(ctx context.Context, r AttemptRecord) error {
	if r.RunID <= 0 {
		return errRunIDRequired
	}
	if r.Attempt <= 0 {
		return fmt.Errorf("attempt must be > 0, got %d", r.Attempt)
	}
	if r.Status == "" {
		r.Status = AttemptRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	meta, err := encodeJSON(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode attempt metadata: %w", err)
	}
	// A redelivered attempt restarts its record.
	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_attempts (batch, run_id, attempt, worker_id, status, started_ms, ended_ms, error, metadata)
VALUES (?, ?, ?, ?, ?, ?, NULL, '', ?)
ON CONFLICT(batch, run_id, attempt) DO UPDATE SET
  worker_id = excluded.worker_id,
  status = excluded.status,
  started_ms = excluded.started_ms,
  ended_ms = NULL,
  error = '',
  metadata = excluded.metadata`,
		r.Batch, r.RunID, r.Attempt, r.WorkerID, r.Status, r.StartedAt.UnixMilli(), meta)
	if err != nil {
		return fmt.Errorf("failed to start attempt %d of run %d: %w", r.Attempt, r.RunID, err)
	}
	return nil
}

func (s *SQLiteAttemptStore) FinishAttempt(ctx context.Context, batch string, runID int64, attempt int, status string, errText string) error {
	if runID <= 0 {
		return errRunIDRequired
	}
	if status == "" {
		status = AttemptFailed
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE run_attempts SET status = ?, ended_ms = ?, error = ?
WHERE batch = ? AND run_id = ? AND attempt = ?`,
		status, time.Now().UnixMilli(), errText, batch, runID, attempt)
	if err != nil {
		return fmt.Errorf("failed to finish attempt %d of run %d: %w", attempt, runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %d of run %d in batch %q was never started", attempt, runID, batch)
	}
	return nil
}

// ListAttempts returns a run's attempts across batches, newest first.
func (s *SQLiteAttemptStore) ListAttempts(ctx context.Context, runID int64, limit int) ([]AttemptRecord, error) {
	if runID <= 0 {
		return nil, errRunIDRequired
	}
	return queryAll(ctx, s.db, scanAttempt, `
SELECT batch, run_id, attempt, worker_id, status, started_ms, ended_ms, error, metadata
FROM run_attempts WHERE run_id = ?
ORDER BY started_ms DESC, attempt DESC LIMIT ?`, runID, limitOr(limit, 50))
}

// BatchStats counts the latest attempt of every run in a batch by status.
func (s *SQLiteAttemptStore) BatchStats(ctx context.Context, batch string) (BatchStats, error) {
	stats := BatchStats{Batch: batch, ByStatus: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `
SELECT a.status, COUNT(*), MAX(a.attempt)
FROM run_attempts a
JOIN (SELECT run_id, MAX(attempt) AS attempt FROM run_attempts WHERE batch = ? GROUP BY run_id) latest
  ON a.run_id = latest.run_id AND a.attempt = latest.attempt
WHERE a.batch = ?
GROUP BY a.status`, batch, batch)
	if err != nil {
		return stats, fmt.Errorf("failed to count attempts of batch %q: %w", batch, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status     string
			n, highest int
		)
		if err := rows.Scan(&status, &n, &highest); err != nil {
			return stats, fmt.Errorf("failed to scan batch stats: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Runs += n
		stats.MaxAttempt = max(stats.MaxAttempt, highest)
	}
	return stats, rows.Err()
}

func (s *SQLiteAttemptStore) SaveWorkerHeartbeat(ctx context.Context, h WorkerHeartbeat) error {
	if h.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if h.Status == "" {
		h.Status = "online"
	}
	if h.LastSeenAt.IsZero() {
		h.LastSeenAt = time.Now()
	}
	meta, err := encodeJSON(h.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO worker_heartbeats (worker_id, status, last_seen_ms, capacity, metadata)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
  status = excluded.status,
  last_seen_ms = excluded.last_seen_ms,
  capacity = excluded.capacity,
  metadata = excluded.metadata`,
		h.WorkerID, h.Status, h.LastSeenAt.UnixMilli(), h.Capacity, meta)
	if err != nil {
		return fmt.Errorf("failed to save heartbeat of %s: %w", h.WorkerID, err)
	}
	return nil
}

func (s *SQLiteAttemptStore) ListWorkerHeartbeats(ctx context.Context, limit int) ([]WorkerHeartbeat, error) {
	return queryAll(ctx, s.db, scanHeartbeat, `
SELECT worker_id, status, last_seen_ms, capacity, metadata
FROM worker_heartbeats ORDER BY last_seen_ms DESC LIMIT ?`, limitOr(limit, 100))
}

func (s *SQLiteAttemptStore) SaveQueueEvent(ctx context.Context, e QueueEvent) error {
	if e.Event == "" {
		return fmt.Errorf("event name is required")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	payload, err := encodeJSON(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode queue event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_events (run_id, batch, event, at_ms, payload) VALUES (?, ?, ?, ?, ?)`,
		e.RunID, e.Batch, e.Event, e.At.UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("failed to save queue event %s: %w", e.Event, err)
	}
	return nil
}

// ListQueueEvents returns the newest events first. A zero run id lists
// events of every run.
func (s *SQLiteAttemptStore) ListQueueEvents(ctx context.Context, runID int64, limit int) ([]QueueEvent, error) {
	const cols = `SELECT id, run_id, batch, event, at_ms, payload FROM queue_events`
	if runID > 0 {
		return queryAll(ctx, s.db, scanQueueEvent, cols+` WHERE run_id = ? ORDER BY id DESC LIMIT ?`, runID, limitOr(limit, 100))
	}
	return queryAll(ctx, s.db, scanQueueEvent, cols+` ORDER BY id DESC LIMIT ?`, limitOr(limit, 100))
}

func (s *SQLiteAttemptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func queryAll[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt store: %w", err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read attempt store rows: %w", err)
	}
	return out, nil
}

func scanAttempt(row rowScanner) (AttemptRecord, error) {
	var (
		r       AttemptRecord
		started int64
		ended   sql.NullInt64
		meta    string
	)
	if err := row.Scan(&r.Batch, &r.RunID, &r.Attempt, &r.WorkerID, &r.Status, &started, &ended, &r.Error, &meta); err != nil {
		return r, fmt.Errorf("failed to scan attempt: %w", err)
	}
	r.StartedAt = fromMillis(started)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		r.EndedAt = &t
	}
	r.Metadata = decodeJSON(meta)
	return r, nil
}

func scanHeartbeat(row rowScanner) (WorkerHeartbeat, error) {
	var (
		h        WorkerHeartbeat
		lastSeen int64
		meta     string
	)
	if err := row.Scan(&h.WorkerID, &h.Status, &lastSeen, &h.Capacity, &meta); err != nil {
		return h, fmt.Errorf("failed to scan heartbeat: %w", err)
	}
	h.LastSeenAt = fromMillis(lastSeen)
	h.Metadata = decodeJSON(meta)
	return h, nil
}

func scanQueueEvent(row rowScanner) (QueueEvent, error) {
	var (
		e       QueueEvent
		at      int64
		payload string
	)
	if err := row.Scan(&e.ID, &e.RunID, &e.Batch, &e.Event, &at, &payload); err != nil {
		return e, fmt.Errorf("failed to scan queue event: %w", err)
	}
	e.At = fromMillis(at)
	e.Payload = decodeJSON(payload)
	return e, nil
}

func encodeJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	return string(raw), err
}

func decodeJSON(raw string) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
