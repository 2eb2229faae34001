package redisstreams

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/uq-campaign-go/runtime/queue"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "uq:qtest:" + uuid.NewString()
	q, err := New(addr, WithPrefix(prefix), WithGroup("test"))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = q.client.Del(ctx, q.jobStream, q.dlqStream, q.resultStream("b1")).Err()
		_ = q.Close()
	})
	return q
}

func TestQueue_EnqueueClaimAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.Task{RunID: 1, RunName: "run_1", Batch: "b1", Command: "true", Attempt: 1, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatalf("expected id")
	}

	deliveries, err := q.Claim(ctx, "worker-1", 500*time.Millisecond, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery got %d", len(deliveries))
	}
	if deliveries[0].Task.RunID != 1 || deliveries[0].Task.Command != "true" {
		t.Fatalf("unexpected task: %+v", deliveries[0].Task)
	}
	if err := q.Ack(ctx, "worker-1", deliveries[0].ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Pending != 0 {
		t.Fatalf("expected nothing pending after ack, got %+v", stats)
	}
}

func TestQueue_RejectsTaskWithoutRun(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), queue.Task{Batch: "b1"}); err == nil {
		t.Fatalf("expected missing run id to be rejected")
	}
}

func TestQueue_DeadLetterAndRequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, queue.Task{RunID: 2, Batch: "b1", Command: "false", Attempt: 3, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	deliveries, err := q.Claim(ctx, "worker-2", 500*time.Millisecond, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery")
	}
	if _, err := q.DeadLetter(ctx, deliveries[0], "failed"); err != nil {
		t.Fatalf("deadletter failed: %v", err)
	}
	dlq, err := q.ListDLQ(ctx, 10)
	if err != nil {
		t.Fatalf("list dlq failed: %v", err)
	}
	if len(dlq) != 1 || dlq[0].Task.Metadata["dead_letter_reason"] != "failed" {
		t.Fatalf("unexpected dlq entries: %+v", dlq)
	}
	if _, err := q.RequeueDead(ctx, dlq[0].ID, true); err != nil {
		t.Fatalf("requeue from dlq failed: %v", err)
	}
	again, err := q.Claim(ctx, "worker-2", 500*time.Millisecond, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(again) != 1 || again[0].Task.Attempt != 1 {
		t.Fatalf("expected requeued task with reset attempt, got %+v", again)
	}
}

func TestQueue_ResultsStreamPerBatch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for _, id := range []int64{3, 4} {
		if _, err := q.PublishResult(ctx, queue.Result{RunID: id, Batch: "b1", State: "succeeded"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	results, err := q.ReadResults(ctx, "b1", "", 100*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("read results failed: %v", err)
	}
	if len(results) != 2 || results[0].RunID != 3 || results[1].RunID != 4 {
		t.Fatalf("unexpected results: %+v", results)
	}
	rest, err := q.ReadResults(ctx, "b1", results[1].ID, 50*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("read results after last failed: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no newer results, got %+v", rest)
	}
	if err := q.DeleteResults(ctx, "b1"); err != nil {
		t.Fatalf("delete results failed: %v", err)
	}
}
