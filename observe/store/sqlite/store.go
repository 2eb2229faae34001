package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	observestore "github.com/PipeOpsHQ/uq-campaign-go/observe/store"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 500

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite campaign log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create campaign log dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign log sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", schemaSQL} {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize campaign log: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Emit lets the store act as an observe.Sink.
func (s *Store) Emit(ctx context.Context, event observe.Event) error {
	return s.SaveEvent(ctx, event)
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode event attributes: %w", err)
	}
	const q = `
INSERT INTO campaign_events (
  event_id, campaign, run_id, ensemble_id, kind, status, name, app,
  message, error, count, duration_ms, attributes, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		event.ID,
		event.Campaign,
		event.RunID,
		event.EnsembleID,
		string(event.Kind),
		string(event.Status),
		event.Name,
		event.App,
		event.Message,
		event.Error,
		event.Count,
		event.DurationMs,
		string(attrs),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign event: %w", err)
	}
	return nil
}

// ListEvents returns a campaign's log in insertion order.
func (s *Store) ListEvents(ctx context.Context, campaign string, query observestore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if strings.TrimSpace(campaign) == "" {
		return nil, fmt.Errorf("campaign is required")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	where := []string{"campaign = ?"}
	args := []any{campaign}
	if query.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(query.Kind))
	}
	if query.RunID > 0 {
		where = append(where, "run_id = ?")
		args = append(args, query.RunID)
	}
	args = append(args, limit, offset)

	q := fmt.Sprintf(`
SELECT event_id, campaign, run_id, ensemble_id, kind, status, name, app,
       message, error, count, duration_ms, attributes, timestamp
FROM campaign_events
WHERE %s
ORDER BY seq ASC
LIMIT ? OFFSET ?;
`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate campaign events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e      observe.Event
		kind   string
		status string
		attrs  string
		tsRaw  string
	)
	if err := scanner.Scan(
		&e.ID,
		&e.Campaign,
		&e.RunID,
		&e.EnsembleID,
		&kind,
		&status,
		&e.Name,
		&e.App,
		&e.Message,
		&e.Error,
		&e.Count,
		&e.DurationMs,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("failed to scan campaign event: %w", err)
	}
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err == nil {
			e.Timestamp = ts
		}
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

// AggregateMetrics tallies the campaign log in one pass. Draws and
// collations count their batch sizes; run events count occurrences.
func (s *Store) AggregateMetrics(ctx context.Context, campaign string, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	var m observestore.MetricsSummary
	if s == nil || s.db == nil {
		return m, nil
	}
	q := `SELECT name, COUNT(*), COALESCE(SUM(count), 0) FROM campaign_events WHERE campaign = ?`
	args := []any{campaign}
	if query.Since != nil {
		q += ` AND timestamp >= ?`
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}
	rows, err := s.db.QueryContext(ctx, q+` GROUP BY name`, args...)
	if err != nil {
		return m, fmt.Errorf("failed to aggregate campaign log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name      string
			n, summed int64
		)
		if err := rows.Scan(&name, &n, &summed); err != nil {
			return m, fmt.Errorf("failed to scan campaign metrics: %w", err)
		}
		switch types.EventType(name) {
		case types.EventSamplesDrawn:
			m.SamplesDrawn = summed
		case types.EventRunEncoded:
			m.RunsEncoded = n
		case types.EventRunDispatched:
			m.RunsDispatched = n
		case types.EventRunDecoded:
			m.RunsDecoded = n
		case types.EventRunFailed:
			m.RunsFailed = n
		case types.EventCollated:
			m.RunsCollated = summed
		}
	}
	return m, rows.Err()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ observestore.Store = (*Store)(nil)
	_ observe.Sink       = (*Store)(nil)
)
