package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "uqc-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.DeleteRuns(ctx)
		_ = s.Close()
	})
	return s
}

func TestRedisStore_SaveLoadRunAndTTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	run := state.RunRecord{
		ID:         7,
		Name:       "run_7",
		AppID:      1,
		EnsembleID: "ensemble_1",
		Params:     types.Params{"x": 1.5},
		Status:     types.StatusEncoded,
		RunDir:     "/tmp/run_7",
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.LoadRun(ctx, 7)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.Name != "run_7" || got.Status != types.StatusEncoded || got.Params["x"] != 1.5 {
		t.Fatalf("unexpected run: %#v", got)
	}

	ttl, err := s.client.TTL(ctx, s.runKey(7)).Result()
	if err != nil {
		t.Fatalf("failed to read run ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected ttl > 0, got %v", ttl)
	}

	if _, err := s.LoadRun(ctx, 8); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_StatusIndexFollowsRun(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	for _, id := range []int64{3, 1, 2} {
		if err := s.SaveRun(ctx, state.RunRecord{ID: id, Status: types.StatusActive}); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}
	if err := s.SaveRun(ctx, state.RunRecord{ID: 2, Status: types.StatusCollated}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	active, err := s.RunIDsByStatus(ctx, types.StatusActive, 0)
	if err != nil {
		t.Fatalf("RunIDsByStatus failed: %v", err)
	}
	if len(active) != 2 || active[0] != 1 || active[1] != 3 {
		t.Fatalf("unexpected active ids: %v", active)
	}

	if err := s.client.Del(ctx, s.runKey(3)).Err(); err != nil {
		t.Fatalf("failed to delete run key: %v", err)
	}
	active, err = s.RunIDsByStatus(ctx, types.StatusActive, 0)
	if err != nil {
		t.Fatalf("RunIDsByStatus failed: %v", err)
	}
	if len(active) != 1 || active[0] != 1 {
		t.Fatalf("expected stale id pruned, got %v", active)
	}
}

func TestRedisStore_LockHelpers(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	got, err := s.AcquireRunLock(ctx, 11, "owner-1", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 1 failed: %v", err)
	}
	if !got {
		t.Fatalf("expected first lock acquisition to succeed")
	}
	got, err = s.AcquireRunLock(ctx, 11, "owner-2", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 2 failed: %v", err)
	}
	if got {
		t.Fatalf("expected second lock acquisition to fail")
	}

	if err := s.ReleaseRunLock(ctx, 11, "owner-2"); err != nil {
		t.Fatalf("ReleaseRunLock with wrong owner should not error: %v", err)
	}
	got, err = s.AcquireRunLock(ctx, 11, "owner-3", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 3 failed: %v", err)
	}
	if got {
		t.Fatalf("expected lock to remain held with wrong owner release")
	}

	if err := s.ReleaseRunLock(ctx, 11, "owner-1"); err != nil {
		t.Fatalf("ReleaseRunLock failed: %v", err)
	}
	got, err = s.AcquireRunLock(ctx, 11, "owner-3", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 4 failed: %v", err)
	}
	if !got {
		t.Fatalf("expected lock acquisition after release")
	}
}
