package sqlite

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

	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	path        string
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

var _ state.Store = (*Store)(nil)

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		path:        path,
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, state.WrapIO("create sqlite directory", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, state.WrapIO("open sqlite db", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return state.WrapIO("set busy_timeout", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return state.WrapIO("enable wal", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return state.WrapIO("initialize schema", err)
	}
	return nil
}

func (s *Store) AddApp(ctx context.Context, app state.AppRecord) (state.AppRecord, error) {
	if strings.TrimSpace(app.Name) == "" {
		return state.AppRecord{}, fmt.Errorf("app name is required")
	}
	if app.Schema == nil || app.Schema.Len() == 0 {
		return state.AppRecord{}, &types.ValidationError{Problems: []string{"app " + app.Name + " has no parameters"}}
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}
	schemaRaw, err := json.Marshal(app.Schema)
	if err != nil {
		return state.AppRecord{}, fmt.Errorf("failed to marshal app schema: %w", err)
	}
	encoderRaw, err := marshalObject(app.Encoder)
	if err != nil {
		return state.AppRecord{}, fmt.Errorf("failed to marshal encoder descriptor: %w", err)
	}
	decoderRaw, err := marshalObject(app.Decoder)
	if err != nil {
		return state.AppRecord{}, fmt.Errorf("failed to marshal decoder descriptor: %w", err)
	}

	const q = `
INSERT INTO apps (name, schema, encoder, decoder, created_at)
VALUES (?, ?, ?, ?, ?);
`
	res, err := s.db.ExecContext(ctx, q, app.Name, string(schemaRaw), encoderRaw, decoderRaw, formatTime(app.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return state.AppRecord{}, fmt.Errorf("%w: app %q already exists", state.ErrConflict, app.Name)
		}
		return state.AppRecord{}, state.WrapIO("save app", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return state.AppRecord{}, state.WrapIO("read app id", err)
	}
	app.ID = id
	return app, nil
}

func (s *Store) GetApp(ctx context.Context, name string) (state.AppRecord, error) {
	const q = `SELECT id, name, schema, encoder, decoder, created_at FROM apps WHERE name = ?;`
	return scanApp(s.db.QueryRowContext(ctx, q, name))
}

func (s *Store) LoadApp(ctx context.Context, id int64) (state.AppRecord, error) {
	const q = `SELECT id, name, schema, encoder, decoder, created_at FROM apps WHERE id = ?;`
	return scanApp(s.db.QueryRowContext(ctx, q, id))
}

func (s *Store) ListApps(ctx context.Context) ([]state.AppRecord, error) {
	const q = `SELECT id, name, schema, encoder, decoder, created_at FROM apps ORDER BY id ASC;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, state.WrapIO("list apps", err)
	}
	defer rows.Close()

	var out []state.AppRecord
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, state.WrapIO("iterate apps", err)
	}
	return out, nil
}

// AddRuns inserts runs in slice order inside one transaction, so ids follow
// draw order. Every run starts as NEW.
func (s *Store) AddRuns(ctx context.Context, runs []state.RunRecord) ([]state.RunRecord, error) {
	return s.addRuns(ctx, runs, nil)
}

func (s *Store) AddDraw(ctx context.Context, runs []state.RunRecord, mark state.DrawMark) ([]state.RunRecord, error) {
	if strings.TrimSpace(mark.Campaign) == "" {
		return nil, fmt.Errorf("draw mark campaign is required")
	}
	return s.addRuns(ctx, runs, &mark)
}

func (s *Store) addRuns(ctx context.Context, runs []state.RunRecord, mark *state.DrawMark) ([]state.RunRecord, error) {
	if len(runs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, state.WrapIO("begin add runs", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO runs (app_id, ensemble_id, params, status, run_dir, error, polls, created_at, updated_at)
VALUES (?, ?, ?, ?, '', '', 0, ?, ?);
`
	now := time.Now().UTC()
	out := make([]state.RunRecord, 0, len(runs))
	for _, run := range runs {
		if run.AppID <= 0 {
			return nil, fmt.Errorf("app_id is required")
		}
		paramsRaw, err := json.Marshal(run.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal run params: %w", err)
		}
		res, err := tx.ExecContext(ctx, q, run.AppID, run.EnsembleID, string(paramsRaw), string(types.StatusNew), formatTime(now), formatTime(now))
		if err != nil {
			return nil, state.WrapIO("save run", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, state.WrapIO("read run id", err)
		}
		var params types.Params
		if err := json.Unmarshal(paramsRaw, &params); err != nil {
			return nil, fmt.Errorf("failed to decode run params: %w", err)
		}
		out = append(out, state.RunRecord{
			ID:         id,
			Name:       state.RunName(id),
			AppID:      run.AppID,
			EnsembleID: run.EnsembleID,
			Params:     params,
			Status:     types.StatusNew,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if mark != nil {
		if err := saveDrawMark(ctx, tx, *mark, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, state.WrapIO("commit runs", err)
	}
	return out, nil
}

func saveDrawMark(ctx context.Context, tx *sql.Tx, mark state.DrawMark, now time.Time) error {
	samplerRaw, err := marshalObject(mark.Sampler)
	if err != nil {
		return fmt.Errorf("failed to marshal sampler descriptor: %w", err)
	}
	const q = `
INSERT INTO draw_marks (campaign, sampler, next_ensemble, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(campaign) DO UPDATE SET
  sampler = excluded.sampler,
  next_ensemble = excluded.next_ensemble,
  updated_at = excluded.updated_at;
`
	if _, err := tx.ExecContext(ctx, q, mark.Campaign, samplerRaw, mark.NextEnsemble, formatTime(now)); err != nil {
		return state.WrapIO("save draw mark", err)
	}
	return nil
}

// LoadDrawMark returns the mark of the campaign's last draw, or ErrNotFound.
func (s *Store) LoadDrawMark(ctx context.Context, campaign string) (state.DrawMark, error) {
	const q = `SELECT campaign, sampler, next_ensemble, updated_at FROM draw_marks WHERE campaign = ?;`
	var (
		mark       state.DrawMark
		samplerRaw string
		updatedRaw string
	)
	err := s.db.QueryRowContext(ctx, q, campaign).Scan(&mark.Campaign, &samplerRaw, &mark.NextEnsemble, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return state.DrawMark{}, fmt.Errorf("%w: draw mark of campaign %q", state.ErrNotFound, campaign)
	}
	if err != nil {
		return state.DrawMark{}, state.WrapIO("load draw mark", err)
	}
	if err := json.Unmarshal([]byte(samplerRaw), &mark.Sampler); err != nil {
		return state.DrawMark{}, fmt.Errorf("failed to decode sampler descriptor: %w", err)
	}
	if len(mark.Sampler) == 0 {
		mark.Sampler = nil
	}
	if mark.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
		return state.DrawMark{}, fmt.Errorf("failed to parse draw mark time: %w", err)
	}
	return mark, nil
}

func (s *Store) LoadRun(ctx context.Context, id int64) (state.RunRecord, error) {
	return loadRun(ctx, s.db, id)
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	where, args := buildWhere(query)
	q := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY id ASC`
	if query.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, query.Limit)
	}
	q += `;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, state.WrapIO("list runs", err)
	}
	defer rows.Close()

	out := make([]state.RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, state.WrapIO("iterate runs", err)
	}
	return out, nil
}

func (s *Store) CountRuns(ctx context.Context, query state.ListRunsQuery) (map[types.Status]int, error) {
	where, args := buildWhere(query)
	q := `SELECT status, COUNT(*) FROM runs` + where + ` GROUP BY status;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, state.WrapIO("count runs", err)
	}
	defer rows.Close()

	out := map[types.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, state.WrapIO("scan run count", err)
		}
		out[types.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, state.WrapIO("iterate run counts", err)
	}
	return out, nil
}

// Transition moves a run from one status to another with a compare-and-swap
// on the current status.
func (s *Store) Transition(ctx context.Context, id int64, from, to types.Status, update state.RunUpdate) (state.RunRecord, error) {
	if !state.CanTransition(from, to) {
		return state.RunRecord{}, &state.TransitionError{RunID: id, From: from, To: to}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.RunRecord{}, state.WrapIO("begin transition", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return state.RunRecord{}, err
	}
	if err := state.CheckTransition(id, current, from, to); err != nil {
		return state.RunRecord{}, err
	}

	sets, args, err := updateClauses(update)
	if err != nil {
		return state.RunRecord{}, err
	}
	sets = append([]string{"status = ?"}, sets...)
	args = append([]any{string(to)}, args...)
	args = append(args, id, string(from))
	q := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?;`
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return state.RunRecord{}, state.WrapIO("update run status", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return state.RunRecord{}, state.WrapIO("read rows affected", err)
	} else if n != 1 {
		return state.RunRecord{}, fmt.Errorf("%w: run %d changed concurrently", state.ErrConflict, id)
	}

	run, err := loadRun(ctx, tx, id)
	if err != nil {
		return state.RunRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.RunRecord{}, state.WrapIO("commit transition", err)
	}
	return run, nil
}

func (s *Store) UpdateRun(ctx context.Context, id int64, update state.RunUpdate) (state.RunRecord, error) {
	sets, args, err := updateClauses(update)
	if err != nil {
		return state.RunRecord{}, err
	}
	args = append(args, id)
	q := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return state.RunRecord{}, state.WrapIO("update run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return state.RunRecord{}, state.ErrNotFound
	}
	return s.LoadRun(ctx, id)
}

// CommitCollation writes the entries and moves their runs to COLLATED in a
// single transaction. Either every entry lands or none does.
func (s *Store) CommitCollation(ctx context.Context, entries []state.CollationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.WrapIO("begin collation", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertQ = `
INSERT INTO collation (run_id, app_id, ensemble_id, params, result, collated_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	const updateQ = `
UPDATE runs SET status = ?, result = ?, error = '', updated_at = ?
WHERE id = ? AND status = ?;
`
	now := time.Now().UTC()
	for _, entry := range entries {
		current, err := currentStatus(ctx, tx, entry.RunID)
		if err != nil {
			return err
		}
		if !state.CanTransition(current, types.StatusCollated) {
			return &state.TransitionError{RunID: entry.RunID, From: current, To: types.StatusCollated}
		}
		collatedAt := entry.CollatedAt
		if collatedAt.IsZero() {
			collatedAt = now
		}
		paramsRaw, err := json.Marshal(entry.Params)
		if err != nil {
			return fmt.Errorf("failed to marshal collation params: %w", err)
		}
		resultRaw, err := marshalObject(entry.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal collation result: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertQ, entry.RunID, entry.AppID, entry.EnsembleID, string(paramsRaw), resultRaw, formatTime(collatedAt)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: run %d already collated", state.ErrConflict, entry.RunID)
			}
			return state.WrapIO("save collation entry", err)
		}
		if _, err := tx.ExecContext(ctx, updateQ, string(types.StatusCollated), resultRaw, formatTime(now), entry.RunID, string(current)); err != nil {
			return state.WrapIO("mark run collated", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return state.WrapIO("commit collation", err)
	}
	return nil
}

func (s *Store) LoadCollation(ctx context.Context, afterRunID int64) ([]state.CollationEntry, error) {
	const q = `
SELECT run_id, app_id, ensemble_id, params, result, collated_at
FROM collation
WHERE run_id > ?
ORDER BY run_id ASC;
`
	rows, err := s.db.QueryContext(ctx, q, afterRunID)
	if err != nil {
		return nil, state.WrapIO("load collation", err)
	}
	defer rows.Close()

	var out []state.CollationEntry
	for rows.Next() {
		var (
			entry      state.CollationEntry
			paramsRaw  string
			resultRaw  string
			collatedAt string
		)
		if err := rows.Scan(&entry.RunID, &entry.AppID, &entry.EnsembleID, &paramsRaw, &resultRaw, &collatedAt); err != nil {
			return nil, state.WrapIO("scan collation entry", err)
		}
		if err := json.Unmarshal([]byte(paramsRaw), &entry.Params); err != nil {
			return nil, fmt.Errorf("failed to decode collation params: %w", err)
		}
		if err := json.Unmarshal([]byte(resultRaw), &entry.Result); err != nil {
			return nil, fmt.Errorf("failed to decode collation result: %w", err)
		}
		entry.CollatedAt, err = parseRequiredTime(collatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse collated_at: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, state.WrapIO("iterate collation", err)
	}
	return out, nil
}

// Purge deletes every run, collation row and draw mark. Apps stay
// registered and run ids keep counting from where they were.
func (s *Store) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.WrapIO("begin purge", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM collation;`); err != nil {
		return state.WrapIO("purge collation", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs;`); err != nil {
		return state.WrapIO("purge runs", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM draw_marks;`); err != nil {
		return state.WrapIO("purge draw marks", err)
	}
	if err := tx.Commit(); err != nil {
		return state.WrapIO("commit purge", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const runColumns = `id, app_id, ensemble_id, params, status, run_dir, result, error, polls, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func loadRun(ctx context.Context, db queryer, id int64) (state.RunRecord, error) {
	return scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, id))
}

func currentStatus(ctx context.Context, db queryer, id int64) (types.Status, error) {
	var raw string
	if err := db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?;`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: run %d", state.ErrNotFound, id)
		}
		return "", state.WrapIO("read run status", err)
	}
	return types.Status(raw), nil
}

func scanRun(row scanner) (state.RunRecord, error) {
	var (
		run        state.RunRecord
		paramsRaw  string
		status     string
		resultRaw  sql.NullString
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(
		&run.ID,
		&run.AppID,
		&run.EnsembleID,
		&paramsRaw,
		&status,
		&run.RunDir,
		&resultRaw,
		&run.Error,
		&run.Polls,
		&createdRaw,
		&updatedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, state.WrapIO("scan run", err)
	}
	run.Name = state.RunName(run.ID)
	run.Status = types.Status(status)
	if err := json.Unmarshal([]byte(paramsRaw), &run.Params); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run params: %w", err)
	}
	if resultRaw.Valid && strings.TrimSpace(resultRaw.String) != "" && resultRaw.String != "null" {
		if err := json.Unmarshal([]byte(resultRaw.String), &run.Result); err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to decode run result: %w", err)
		}
	}
	if run.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	if run.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	return run, nil
}

func scanApp(row scanner) (state.AppRecord, error) {
	var (
		app        state.AppRecord
		schemaRaw  string
		encoderRaw string
		decoderRaw string
		createdRaw string
	)
	if err := row.Scan(&app.ID, &app.Name, &schemaRaw, &encoderRaw, &decoderRaw, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.AppRecord{}, state.ErrNotFound
		}
		return state.AppRecord{}, state.WrapIO("scan app", err)
	}
	schema, err := types.ParseParamSchema([]byte(schemaRaw))
	if err != nil {
		return state.AppRecord{}, err
	}
	app.Schema = schema
	if err := json.Unmarshal([]byte(encoderRaw), &app.Encoder); err != nil {
		return state.AppRecord{}, fmt.Errorf("failed to decode encoder descriptor: %w", err)
	}
	if err := json.Unmarshal([]byte(decoderRaw), &app.Decoder); err != nil {
		return state.AppRecord{}, fmt.Errorf("failed to decode decoder descriptor: %w", err)
	}
	if app.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return state.AppRecord{}, fmt.Errorf("failed to parse app created_at: %w", err)
	}
	return app, nil
}

func buildWhere(query state.ListRunsQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(query.Statuses) > 0 {
		marks := make([]string, 0, len(query.Statuses))
		for _, s := range query.Statuses {
			marks = append(marks, "?")
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if query.AppID > 0 {
		clauses = append(clauses, "app_id = ?")
		args = append(args, query.AppID)
	}
	if query.EnsembleID != "" {
		clauses = append(clauses, "ensemble_id = ?")
		args = append(args, query.EnsembleID)
	}
	if query.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, query.AfterID)
	}
	if len(query.IDs) > 0 {
		marks := make([]string, 0, len(query.IDs))
		for _, id := range query.IDs {
			marks = append(marks, "?")
			args = append(args, id)
		}
		clauses = append(clauses, "id IN ("+strings.Join(marks, ", ")+")")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func updateClauses(update state.RunUpdate) ([]string, []any, error) {
	sets := []string{}
	args := []any{}
	if update.RunDir != nil {
		sets = append(sets, "run_dir = ?")
		args = append(args, *update.RunDir)
	}
	if update.ClearResult && update.Result == nil {
		sets = append(sets, "result = NULL")
	}
	if update.Result != nil {
		raw, err := marshalObject(update.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal run result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, raw)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.Polls != nil {
		sets = append(sets, "polls = ?")
		args = append(args, *update.Polls)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now().UTC()))
	return sets, args, nil
}

func marshalObject[T ~map[string]any](v T) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
