package hybrid

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/uq-campaign-go/state"
	sqlitestore "github.com/PipeOpsHQ/uq-campaign-go/state/sqlite"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

type memoryCache struct {
	mu         sync.Mutex
	runs       map[int64]state.RunRecord
	locks      map[int64]string
	failWrites bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{runs: map[int64]state.RunRecord{}, locks: map[int64]string{}}
}

func (m *memoryCache) SaveRun(ctx context.Context, run state.RunRecord) error {
	_ = ctx
	if m.failWrites {
		return errors.New("write failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memoryCache) LoadRun(ctx context.Context, id int64) (state.RunRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return run, nil
}

func (m *memoryCache) DeleteRuns(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = map[int64]state.RunRecord{}
	return nil
}

func (m *memoryCache) AcquireRunLock(ctx context.Context, id int64, owner string, ttl time.Duration) (bool, error) {
	_, _ = ctx, ttl
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[id]; ok && held != owner {
		return false, nil
	}
	m.locks[id] = owner
	return true, nil
}

func (m *memoryCache) ReleaseRunLock(ctx context.Context, id int64, owner string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[id] == owner {
		delete(m.locks, id)
	}
	return nil
}

func (m *memoryCache) Close() error { return nil }

func newDurable(t *testing.T) (*sqlitestore.Store, state.AppRecord) {
	t.Helper()
	s, err := sqlitestore.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	app, err := s.AddApp(context.Background(), state.AppRecord{
		Name:   "model",
		Schema: types.NewParamSchema().Set("x", types.ParamSpec{Type: "float"}),
	})
	if err != nil {
		t.Fatalf("AddApp failed: %v", err)
	}
	return s, app
}

func TestHybridStore_WriteUsesDurableAsSourceOfTruth(t *testing.T) {
	durable, app := newDurable(t)
	cache := newMemoryCache()
	cache.failWrites = true

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	defer h.Close()

	runs, err := h.AddRuns(context.Background(), []state.RunRecord{{AppID: app.ID, EnsembleID: "ensemble_1", Params: types.Params{"x": 1.0}}})
	if err != nil {
		t.Fatalf("AddRuns should succeed when cache fails: %v", err)
	}
	if _, err := durable.LoadRun(context.Background(), runs[0].ID); err != nil {
		t.Fatalf("durable store should contain run: %v", err)
	}
}

func TestHybridStore_ReadFallbackAndBackfill(t *testing.T) {
	durable, app := newDurable(t)
	cache := newMemoryCache()

	runs, err := durable.AddRuns(context.Background(), []state.RunRecord{{AppID: app.ID, EnsembleID: "ensemble_1", Params: types.Params{"x": 2.0}}})
	if err != nil {
		t.Fatalf("durable AddRuns failed: %v", err)
	}

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	defer h.Close()

	got, err := h.LoadRun(context.Background(), runs[0].ID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.Name != "run_1" {
		t.Fatalf("unexpected run: %#v", got)
	}
	if _, err := cache.LoadRun(context.Background(), runs[0].ID); err != nil {
		t.Fatalf("expected backfill into cache, got err: %v", err)
	}
}

func TestHybridStore_TransitionRefreshesCache(t *testing.T) {
	durable, app := newDurable(t)
	cache := newMemoryCache()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	defer h.Close()
	ctx := context.Background()

	runs, err := h.AddRuns(ctx, []state.RunRecord{{AppID: app.ID, EnsembleID: "ensemble_1", Params: types.Params{"x": 3.0}}})
	if err != nil {
		t.Fatalf("AddRuns failed: %v", err)
	}
	if _, err := h.Transition(ctx, runs[0].ID, types.StatusNew, types.StatusEncoded, state.RunUpdate{}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	cached, err := cache.LoadRun(ctx, runs[0].ID)
	if err != nil {
		t.Fatalf("cache LoadRun failed: %v", err)
	}
	if cached.Status != types.StatusEncoded {
		t.Fatalf("expected cached status ENCODED, got %s", cached.Status)
	}
	if len(cache.locks) != 0 {
		t.Fatalf("expected run lock released, got %v", cache.locks)
	}
}

func TestHybridStore_LockedRunIsConflict(t *testing.T) {
	durable, app := newDurable(t)
	cache := newMemoryCache()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	defer h.Close()
	ctx := context.Background()

	runs, err := h.AddRuns(ctx, []state.RunRecord{{AppID: app.ID, EnsembleID: "ensemble_1", Params: types.Params{"x": 3.0}}})
	if err != nil {
		t.Fatalf("AddRuns failed: %v", err)
	}
	cache.locks[runs[0].ID] = "someone-else"

	_, err = h.Transition(ctx, runs[0].ID, types.StatusNew, types.StatusEncoded, state.RunUpdate{})
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict while locked, got %v", err)
	}
}

func TestHybridStore_AddDrawCachesRunsAndKeepsMarkDurable(t *testing.T) {
	durable, app := newDurable(t)
	cache := newMemoryCache()

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	mark := state.DrawMark{Campaign: "chain", Sampler: types.Descriptor{"sampler": "mcmc"}, NextEnsemble: 2}
	runs, err := h.AddDraw(ctx, []state.RunRecord{{AppID: app.ID, EnsembleID: "ensemble_1", Params: types.Params{"x": 1.0}}}, mark)
	if err != nil {
		t.Fatalf("AddDraw failed: %v", err)
	}
	if _, err := cache.LoadRun(ctx, runs[0].ID); err != nil {
		t.Fatalf("expected drawn run in cache: %v", err)
	}
	got, err := durable.LoadDrawMark(ctx, "chain")
	if err != nil {
		t.Fatalf("durable LoadDrawMark failed: %v", err)
	}
	if got.NextEnsemble != 2 {
		t.Fatalf("unexpected mark %+v", got)
	}
	if viaHybrid, err := h.LoadDrawMark(ctx, "chain"); err != nil || viaHybrid.NextEnsemble != 2 {
		t.Fatalf("hybrid LoadDrawMark: %+v err=%v", viaHybrid, err)
	}
}
