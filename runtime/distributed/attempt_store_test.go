package distributed

import (
	"context"
	"testing"
	"time"
)

func TestAttemptStoreRecordsAttempts(t *testing.T) {
	store := newAttemptStore(t)
	ctx := context.Background()

	if err := store.StartAttempt(ctx, AttemptRecord{RunID: 3, Batch: "b", Attempt: 1, WorkerID: "w1"}); err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	if err := store.FinishAttempt(ctx, "b", 3, 1, AttemptFailed, "exit status 2"); err != nil {
		t.Fatalf("finish attempt: %v", err)
	}
	if err := store.StartAttempt(ctx, AttemptRecord{RunID: 3, Batch: "b", Attempt: 2, WorkerID: "w2", StartedAt: time.Now().Add(time.Second)}); err != nil {
		t.Fatalf("start second attempt: %v", err)
	}

	got, err := store.ListAttempts(ctx, 3, 0)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts, got %+v", got)
	}
	if got[0].Attempt != 2 || got[0].Status != AttemptRunning || got[0].EndedAt != nil {
		t.Fatalf("expected running second attempt first, got %+v", got[0])
	}
	if got[1].Status != AttemptFailed || got[1].Error != "exit status 2" || got[1].EndedAt == nil {
		t.Fatalf("expected finished first attempt, got %+v", got[1])
	}

	stats, err := store.BatchStats(ctx, "b")
	if err != nil {
		t.Fatalf("batch stats: %v", err)
	}
	if stats.Runs != 1 || stats.ByStatus[AttemptRunning] != 1 || stats.MaxAttempt != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAttemptStoreRejectsUnknownAttempts(t *testing.T) {
	store := newAttemptStore(t)
	ctx := context.Background()
	if err := store.StartAttempt(ctx, AttemptRecord{Batch: "b", Attempt: 1}); err == nil {
		t.Fatalf("expected missing run id to be rejected")
	}
	if err := store.FinishAttempt(ctx, "b", 1, 1, AttemptCompleted, ""); err == nil {
		t.Fatalf("expected finishing an unstarted attempt to fail")
	}
}

func TestAttemptStoreQueueEventsAndHeartbeats(t *testing.T) {
	store := newAttemptStore(t)
	ctx := context.Background()
	for _, e := range []QueueEvent{
		{RunID: 1, Batch: "b", Event: "queue.enqueued"},
		{RunID: 2, Batch: "b", Event: "queue.enqueued"},
		{RunID: 1, Batch: "b", Event: "queue.claimed", Payload: map[string]any{"workerId": "w1"}},
	} {
		if err := store.SaveQueueEvent(ctx, e); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}
	events, err := store.ListQueueEvents(ctx, 1, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Event != "queue.claimed" || events[0].Payload["workerId"] != "w1" {
		t.Fatalf("unexpected run events: %+v", events)
	}
	all, err := store.ListQueueEvents(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list all events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	if err := store.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{WorkerID: "w1", Capacity: 4}); err != nil {
		t.Fatalf("save heartbeat: %v", err)
	}
	if err := store.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{WorkerID: "w1", Status: "offline", Capacity: 4}); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}
	workers, err := store.ListWorkerHeartbeats(ctx, 0)
	if err != nil {
		t.Fatalf("list heartbeats: %v", err)
	}
	if len(workers) != 1 || workers[0].Status != "offline" || workers[0].Capacity != 4 {
		t.Fatalf("unexpected heartbeats: %+v", workers)
	}
}
