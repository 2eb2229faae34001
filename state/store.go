package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

var (
	ErrNotFound          = errors.New("state: not found")
	ErrConflict          = errors.New("state: conflict")
	ErrIllegalTransition = errors.New("state: illegal status transition")
	ErrRegistryIO        = errors.New("state: registry unavailable")
)

// IOError wraps a persistence failure. It matches both ErrRegistryIO and the
// underlying driver error.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("state: failed to %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrRegistryIO, e.Err} }

func WrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

type ListRunsQuery struct {
	Statuses   []types.Status
	AppID      int64
	EnsembleID string
	AfterID    int64
	IDs        []int64
	// Limit <= 0 returns every match.
	Limit      int
}

func (q ListRunsQuery) Matches(run RunRecord) bool {
	if q.AppID > 0 && run.AppID != q.AppID {
		return false
	}
	if q.EnsembleID != "" && run.EnsembleID != q.EnsembleID {
		return false
	}
	if q.AfterID > 0 && run.ID <= q.AfterID {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if run.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.IDs) > 0 {
		found := false
		for _, id := range q.IDs {
			if run.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RunUpdate carries the non-status fields a stage may change. Nil fields are
// left untouched; ClearResult drops a previously decoded result.
type RunUpdate struct {
	RunDir      *string
	Result      types.Record
	ClearResult bool
	Error       *string
	Polls       *int
}

// Store is the run registry. Runs are only ever mutated through Transition,
// UpdateRun and CommitCollation.
type Store interface {
	AddApp(ctx context.Context, app AppRecord) (AppRecord, error)
	GetApp(ctx context.Context, name string) (AppRecord, error)
	LoadApp(ctx context.Context, id int64) (AppRecord, error)
	ListApps(ctx context.Context) ([]AppRecord, error)

	AddRuns(ctx context.Context, runs []RunRecord) ([]RunRecord, error)
	// AddDraw stores runs like AddRuns and records mark in the same
	// transaction, so the sampler position never lags the stored runs.
	AddDraw(ctx context.Context, runs []RunRecord, mark DrawMark) ([]RunRecord, error)
	LoadDrawMark(ctx context.Context, campaign string) (DrawMark, error)
	LoadRun(ctx context.Context, id int64) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)
	CountRuns(ctx context.Context, query ListRunsQuery) (map[types.Status]int, error)
	Transition(ctx context.Context, id int64, from, to types.Status, update RunUpdate) (RunRecord, error)
	UpdateRun(ctx context.Context, id int64, update RunUpdate) (RunRecord, error)

	CommitCollation(ctx context.Context, entries []CollationEntry) error
	LoadCollation(ctx context.Context, afterRunID int64) ([]CollationEntry, error)

	Purge(ctx context.Context) error
	Close() error
}
