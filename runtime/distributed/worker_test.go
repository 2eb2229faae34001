package distributed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/uq-campaign-go/actions"
	"github.com/PipeOpsHQ/uq-campaign-go/runtime/queue"
)

// memQueue is an in-process queue.Queue.
type memQueue struct {
	mu      sync.Mutex
	seq     int
	pending []queue.Delivery
	dlq     []queue.Delivery
	results map[string][]queue.Result
}

func newMemQueue() *memQueue {
	return &memQueue{results: map[string][]queue.Result{}}
}

func (m *memQueue) Enqueue(ctx context.Context, task queue.Task) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	m.pending = append(m.pending, queue.Delivery{ID: id, Stream: "jobs", Task: task, Received: time.Now().UTC()})
	return id, nil
}

func (m *memQueue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	_ = ctx
	_ = consumer
	_ = block
	m.mu.Lock()
	defer m.mu.Unlock()
	if count > len(m.pending) {
		count = len(m.pending)
	}
	out := append([]queue.Delivery(nil), m.pending[:count]...)
	m.pending = m.pending[count:]
	return out, nil
}

func (m *memQueue) Ack(ctx context.Context, consumer string, messageIDs ...string) error {
	_ = ctx
	_ = consumer
	_ = messageIDs
	return nil
}

func (m *memQueue) Requeue(ctx context.Context, task queue.Task, reason string, delay time.Duration) (string, error) {
	_ = reason
	if delay > 0 {
		t := time.Now().UTC().Add(delay)
		task.NotBefore = &t
	}
	return m.Enqueue(ctx, task)
}

func (m *memQueue) DeadLetter(ctx context.Context, delivery queue.Delivery, reason string) (string, error) {
	_ = ctx
	_ = reason
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, delivery)
	return "dlq-" + delivery.ID, nil
}

func (m *memQueue) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	_ = ctx
	_ = limit
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Delivery(nil), m.dlq...), nil
}

func (m *memQueue) RequeueDead(ctx context.Context, id string, resetAttempt bool) (string, error) {
	m.mu.Lock()
	var task *queue.Task
	for i, d := range m.dlq {
		if d.ID == id {
			task = &d.Task
			m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if task == nil {
		return "", fmt.Errorf("dead letter %s not found", id)
	}
	if resetAttempt {
		task.Attempt = 1
	}
	return m.Enqueue(ctx, *task)
}

func (m *memQueue) DeleteResults(ctx context.Context, batch string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, batch)
	return nil
}

func (m *memQueue) PublishResult(ctx context.Context, result queue.Result) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strconv.Itoa(len(m.results[result.Batch]) + 1)
	result.ID = id
	m.results[result.Batch] = append(m.results[result.Batch], result)
	return id, nil
}

func (m *memQueue) ReadResults(ctx context.Context, batch, after string, block time.Duration, count int) ([]queue.Result, error) {
	_ = ctx
	_ = block
	_ = count
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if after != "" {
		start, _ = strconv.Atoi(after)
	}
	all := m.results[batch]
	if start >= len(all) {
		return nil, nil
	}
	return append([]queue.Result(nil), all[start:]...), nil
}

func (m *memQueue) Stats(ctx context.Context) (queue.Stats, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return queue.Stats{StreamLength: int64(len(m.pending)), DLQLength: int64(len(m.dlq))}, nil
}

func (m *memQueue) Close() error { return nil }

func fastPolicy() RuntimePolicy {
	return RuntimePolicy{
		MaxAttempts:       2,
		BaseBackoff:       5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

func newAttemptStore(t *testing.T) *SQLiteAttemptStore {
	t.Helper()
	attempts, err := NewSQLiteAttemptStore(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("attempt store: %v", err)
	}
	t.Cleanup(func() { _ = attempts.Close() })
	return attempts
}

func TestPoolAndWorkerRoundTrip(t *testing.T) {
	attempts := newAttemptStore(t)
	q := newMemQueue()
	pool, err := NewPool(q, attempts, nil, PoolConfig{Campaign: "c1", Batch: "b1", Policy: fastPolicy()})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	worker, err := NewWorker(WorkerConfig{WorkerID: "w1", Capacity: 2}, attempts, q, nil, fastPolicy(), actions.NewLocalExecutor())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	okDir := t.TempDir()
	jobs := []actions.Job{
		{RunID: 1, RunName: "run_1", Dir: okDir, Command: "echo done > out.txt"},
		{RunID: 2, RunName: "run_2", Dir: t.TempDir(), Command: "exit 4"},
	}
	for _, job := range jobs {
		outcome, err := pool.Dispatch(ctx, job)
		if err != nil {
			t.Fatalf("dispatch run %d: %v", job.RunID, err)
		}
		if outcome.State != actions.OutcomePending {
			t.Fatalf("expected pending outcome, got %+v", outcome)
		}
	}

	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Start(ctx) }()

	results, err := pool.WaitAll(ctx)
	if err != nil {
		t.Fatalf("wait all: %v", err)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := worker.Stop(stopCtx); err != nil {
		t.Fatalf("stop worker: %v", err)
	}
	<-workerDone

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	if results[0].Job.RunID != 1 || results[0].Outcome.State != actions.OutcomeSucceeded {
		t.Fatalf("expected run 1 to succeed, got %+v", results[0])
	}
	if _, err := os.Stat(filepath.Join(okDir, "out.txt")); err != nil {
		t.Fatalf("expected job to run in its directory: %v", err)
	}
	if results[1].Job.RunID != 2 || results[1].Outcome.State != actions.OutcomeFailed || results[1].Outcome.ExitCode != 4 {
		t.Fatalf("expected run 2 to fail with exit 4, got %+v", results[1])
	}
	if pool.Outstanding() != 0 {
		t.Fatalf("expected nothing outstanding, got %d", pool.Outstanding())
	}
	if rest, _ := q.ReadResults(context.Background(), "b1", "", 0, 10); len(rest) != 0 {
		t.Fatalf("expected consumed results to be deleted, got %+v", rest)
	}

	tries, err := pool.ListRunAttempts(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(tries) != 2 {
		t.Fatalf("expected 2 attempts for the failing run, got %+v", tries)
	}
	stats, err := pool.Stats(context.Background())
	if err != nil {
		t.Fatalf("batch stats: %v", err)
	}
	if stats.Runs != 2 || stats.ByStatus[AttemptCompleted] != 1 || stats.ByStatus[AttemptFailed] != 1 || stats.MaxAttempt != 2 {
		t.Fatalf("unexpected batch stats: %+v", stats)
	}
	dlq, err := pool.ListDLQ(context.Background(), 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(dlq) != 1 || dlq[0].Task.RunID != 2 {
		t.Fatalf("expected run 2 dead-lettered, got %+v", dlq)
	}
	if _, err := pool.RequeueDead(context.Background(), dlq[0].ID); err != nil {
		t.Fatalf("requeue dead letter: %v", err)
	}
	q.mu.Lock()
	requeued := append([]queue.Delivery(nil), q.pending...)
	q.mu.Unlock()
	if len(requeued) != 1 || requeued[0].Task.RunID != 2 || requeued[0].Task.Attempt != 1 {
		t.Fatalf("expected run 2 back on the queue at attempt 1, got %+v", requeued)
	}
	events, err := pool.ListQueueEvents(context.Background(), 2, 20)
	if err != nil {
		t.Fatalf("list queue events: %v", err)
	}
	if len(events) == 0 || events[0].Event != "queue.dead_lettered" {
		t.Fatalf("expected dead letter as latest event, got %+v", events)
	}
	workers, err := pool.ListWorkers(context.Background(), 10)
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(workers) != 1 || workers[0].Status != "offline" {
		t.Fatalf("expected stopped worker heartbeat, got %+v", workers)
	}
}

func TestPoolWaitAllHonoursContext(t *testing.T) {
	pool, err := NewPool(newMemQueue(), newAttemptStore(t), nil, PoolConfig{Policy: fastPolicy()})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if pool.Batch() == "" {
		t.Fatalf("expected a generated batch id")
	}
	if _, err := pool.Dispatch(context.Background(), actions.Job{RunID: 9, Command: "true"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.WaitAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := pool.Dispatch(context.Background(), actions.Job{Command: "true"}); err == nil {
		t.Fatalf("expected job without run id to be rejected")
	}
}

func TestWorkerStopCancelsStartLoop(t *testing.T) {
	policy := fastPolicy()
	policy.HeartbeatInterval = 25 * time.Millisecond
	w, err := NewWorker(WorkerConfig{WorkerID: "w-stop"}, newAttemptStore(t), newMemQueue(), nil, policy, actions.NewLocalExecutor())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Start(context.Background())
	}()

	time.Sleep(80 * time.Millisecond)
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("stop worker: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled from Start after Stop, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker start loop did not exit after Stop")
	}
}
