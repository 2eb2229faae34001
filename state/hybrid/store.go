package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// Cache is the fast read path in front of the durable registry.
type Cache interface {
	SaveRun(ctx context.Context, run state.RunRecord) error
	LoadRun(ctx context.Context, id int64) (state.RunRecord, error)
	DeleteRuns(ctx context.Context) error
	Close() error
}

// Locker serializes writers of one run across processes.
type Locker interface {
	AcquireRunLock(ctx context.Context, id int64, owner string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, id int64, owner string) error
}

type HybridStore struct {
	durable state.Store
	cache   Cache
	logger  *zap.Logger
	owner   string
	lockTTL time.Duration
}

var _ state.Store = (*HybridStore)(nil)

type Option func(*HybridStore)

func WithLogger(logger *zap.Logger) Option {
	return func(h *HybridStore) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(h *HybridStore) {
		if ttl > 0 {
			h.lockTTL = ttl
		}
	}
}

func New(durable state.Store, cache Cache, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{
		durable: durable,
		cache:   cache,
		logger:  zap.NewNop(),
		owner:   "campaign-" + uuid.NewString(),
		lockTTL: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HybridStore) AddApp(ctx context.Context, app state.AppRecord) (state.AppRecord, error) {
	return h.durable.AddApp(ctx, app)
}

func (h *HybridStore) GetApp(ctx context.Context, name string) (state.AppRecord, error) {
	return h.durable.GetApp(ctx, name)
}

func (h *HybridStore) LoadApp(ctx context.Context, id int64) (state.AppRecord, error) {
	return h.durable.LoadApp(ctx, id)
}

func (h *HybridStore) ListApps(ctx context.Context) ([]state.AppRecord, error) {
	return h.durable.ListApps(ctx)
}

func (h *HybridStore) AddRuns(ctx context.Context, runs []state.RunRecord) ([]state.RunRecord, error) {
	out, err := h.durable.AddRuns(ctx, runs)
	if err != nil {
		return nil, err
	}
	for _, run := range out {
		h.cacheRun(ctx, run, "AddRuns")
	}
	return out, nil
}

func (h *HybridStore) AddDraw(ctx context.Context, runs []state.RunRecord, mark state.DrawMark) ([]state.RunRecord, error) {
	out, err := h.durable.AddDraw(ctx, runs, mark)
	if err != nil {
		return nil, err
	}
	for _, run := range out {
		h.cacheRun(ctx, run, "AddDraw")
	}
	return out, nil
}

func (h *HybridStore) LoadDrawMark(ctx context.Context, campaign string) (state.DrawMark, error) {
	return h.durable.LoadDrawMark(ctx, campaign)
}

func (h *HybridStore) LoadRun(ctx context.Context, id int64) (state.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.LoadRun(ctx, id)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("hybrid store cache LoadRun failed", zap.Int64("run_id", id), zap.Error(err))
		}
	}

	run, err := h.durable.LoadRun(ctx, id)
	if err != nil {
		return state.RunRecord{}, err
	}
	h.cacheRun(ctx, run, "backfill")
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) CountRuns(ctx context.Context, query state.ListRunsQuery) (map[types.Status]int, error) {
	return h.durable.CountRuns(ctx, query)
}

func (h *HybridStore) Transition(ctx context.Context, id int64, from, to types.Status, update state.RunUpdate) (state.RunRecord, error) {
	release, err := h.lock(ctx, id)
	if err != nil {
		return state.RunRecord{}, err
	}
	defer release()

	run, err := h.durable.Transition(ctx, id, from, to, update)
	if err != nil {
		return state.RunRecord{}, err
	}
	h.cacheRun(ctx, run, "Transition")
	return run, nil
}

func (h *HybridStore) UpdateRun(ctx context.Context, id int64, update state.RunUpdate) (state.RunRecord, error) {
	release, err := h.lock(ctx, id)
	if err != nil {
		return state.RunRecord{}, err
	}
	defer release()

	run, err := h.durable.UpdateRun(ctx, id, update)
	if err != nil {
		return state.RunRecord{}, err
	}
	h.cacheRun(ctx, run, "UpdateRun")
	return run, nil
}

func (h *HybridStore) CommitCollation(ctx context.Context, entries []state.CollationEntry) error {
	if err := h.durable.CommitCollation(ctx, entries); err != nil {
		return err
	}
	for _, entry := range entries {
		run, err := h.durable.LoadRun(ctx, entry.RunID)
		if err != nil {
			h.logger.Warn("hybrid store reload after collation failed", zap.Int64("run_id", entry.RunID), zap.Error(err))
			continue
		}
		h.cacheRun(ctx, run, "CommitCollation")
	}
	return nil
}

func (h *HybridStore) LoadCollation(ctx context.Context, afterRunID int64) ([]state.CollationEntry, error) {
	return h.durable.LoadCollation(ctx, afterRunID)
}

func (h *HybridStore) Purge(ctx context.Context) error {
	if err := h.durable.Purge(ctx); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.DeleteRuns(ctx); err != nil {
			h.logger.Warn("hybrid store cache purge failed", zap.Error(err))
		}
	}
	return nil
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *HybridStore) cacheRun(ctx context.Context, run state.RunRecord, op string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SaveRun(ctx, run); err != nil {
		h.logger.Warn("hybrid store cache write failed", zap.String("op", op), zap.Int64("run_id", run.ID), zap.Error(err))
	}
}

// lock takes the per-run lock when the cache supports it. An unreachable
// lock service degrades to the durable store's own serialization.
func (h *HybridStore) lock(ctx context.Context, id int64) (func(), error) {
	locker, ok := h.cache.(Locker)
	if !ok {
		return func() {}, nil
	}
	acquired, err := locker.AcquireRunLock(ctx, id, h.owner, h.lockTTL)
	if err != nil {
		h.logger.Warn("hybrid store run lock unavailable", zap.Int64("run_id", id), zap.Error(err))
		return func() {}, nil
	}
	if !acquired {
		return nil, fmt.Errorf("%w: run %d is locked by another writer", state.ErrConflict, id)
	}
	return func() {
		if err := locker.ReleaseRunLock(context.WithoutCancel(ctx), id, h.owner); err != nil {
			h.logger.Warn("hybrid store run lock release failed", zap.Int64("run_id", id), zap.Error(err))
		}
	}, nil
}
