package distributed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/uq-campaign-go/actions"
	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	"github.com/PipeOpsHQ/uq-campaign-go/runtime/queue"
)

// Worker claims run jobs from the queue and executes them with a local
// executor. Failed jobs are retried with backoff until their attempts run
// out; the final outcome is published to the job's batch.
type Worker struct {
	cfg      WorkerConfig
	attempts AttemptStore
	queue    queue.Queue
	observer observe.Sink
	policy   RuntimePolicy
	executor actions.Executor
	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewWorker(cfg WorkerConfig, attempts AttemptStore, queueStore queue.Queue, observer observe.Sink, policy RuntimePolicy, executor actions.Executor) (*Worker, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &Worker{
		cfg:      cfg,
		attempts: attempts,
		queue:    queueStore,
		observer: observer,
		policy:   NormalizeRuntimePolicy(policy),
		executor: executor,
	}, nil
}

func (w *Worker) ID() string { return w.cfg.WorkerID }

// Start serves the queue until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		if w.done == done {
			close(done)
			w.done = nil
		}
		w.mu.Unlock()
	}()

	heartbeat := time.NewTicker(w.policy.HeartbeatInterval)
	defer heartbeat.Stop()

	if err := w.beat(runCtx, "online"); err != nil {
		return err
	}
	for {
		select {
		case <-runCtx.Done():
			_ = w.beat(context.Background(), "offline")
			return runCtx.Err()
		case <-heartbeat.C:
			_ = w.beat(runCtx, "online")
		default:
			deliveries, err := w.queue.Claim(runCtx, w.cfg.WorkerID, w.policy.ClaimBlock, w.cfg.Capacity)
			if err != nil || len(deliveries) == 0 {
				select {
				case <-runCtx.Done():
				case <-time.After(w.policy.PollInterval):
				}
				continue
			}
			var g errgroup.Group
			g.SetLimit(w.cfg.Capacity)
			for _, delivery := range deliveries {
				g.Go(func() error {
					if err := w.handleDelivery(runCtx, delivery); err != nil {
						_ = w.attempts.SaveQueueEvent(context.WithoutCancel(runCtx), QueueEvent{
							RunID: delivery.Task.RunID,
							Batch: delivery.Task.Batch,
							Event: "worker.delivery.error",
							At:    time.Now().UTC(),
							Payload: map[string]any{
								"workerId": w.cfg.WorkerID,
								"error":    err.Error(),
							},
						})
					}
					return nil
				})
			}
			_ = g.Wait()
		}
	}
}

func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) beat(ctx context.Context, status string) error {
	return w.attempts.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{
		WorkerID:   w.cfg.WorkerID,
		Status:     status,
		LastSeenAt: time.Now().UTC(),
		Capacity:   w.cfg.Capacity,
	})
}

func (w *Worker) handleDelivery(ctx context.Context, delivery queue.Delivery) error {
	task := delivery.Task
	now := time.Now().UTC()
	if task.NotBefore != nil && now.Before(task.NotBefore.UTC()) {
		_, _ = w.queue.Requeue(ctx, task, "not_before", task.NotBefore.UTC().Sub(now))
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}
	if task.RunID <= 0 || task.Batch == "" {
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = w.policy.MaxAttempts
	}
	campaign, _ := task.Metadata["campaign"].(string)

	_ = w.attempts.StartAttempt(ctx, AttemptRecord{
		RunID:     task.RunID,
		Batch:     task.Batch,
		Attempt:   task.Attempt,
		WorkerID:  w.cfg.WorkerID,
		Status:    AttemptRunning,
		StartedAt: now,
		Metadata:  map[string]any{"messageId": delivery.ID},
	})
	_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Batch: task.Batch, Event: "queue.claimed", At: now, Payload: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt}})
	w.emit(ctx, observe.Event{
		Campaign:   campaign,
		RunID:      task.RunID,
		Kind:       observe.KindCustom,
		Status:     observe.StatusStarted,
		Name:       "queue.claimed",
		Attributes: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt},
	})

	outcome, err := w.executor.Dispatch(ctx, actions.Job{
		RunID:   task.RunID,
		RunName: task.RunName,
		Dir:     task.Dir,
		Command: task.Command,
		Env:     task.Env,
		Timeout: task.Timeout,
	})
	if err != nil {
		// Interrupted before the program finished; give the attempt back.
		bg := context.WithoutCancel(ctx)
		_ = w.attempts.FinishAttempt(bg, task.Batch, task.RunID, task.Attempt, AttemptInterrupted, err.Error())
		if _, reqErr := w.queue.Requeue(bg, task, AttemptInterrupted, 0); reqErr != nil {
			return reqErr
		}
		_ = w.queue.Ack(bg, w.cfg.WorkerID, delivery.ID)
		return err
	}
	if outcome.State == actions.OutcomePending {
		outcome.State = actions.OutcomeFailed
		outcome.ExitCode = -1
		outcome.Message = "worker executors must run jobs to completion"
	}

	if outcome.State == actions.OutcomeSucceeded {
		_ = w.attempts.FinishAttempt(ctx, task.Batch, task.RunID, task.Attempt, AttemptCompleted, "")
		if err := w.publish(ctx, task, outcome); err != nil {
			return err
		}
		_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Batch: task.Batch, Event: "run.completed", At: time.Now().UTC(), Payload: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt}})
		w.emit(ctx, observe.Event{Campaign: campaign, RunID: task.RunID, Kind: observe.KindRun, Status: observe.StatusCompleted, Name: "run.executed", DurationMs: outcome.Duration.Milliseconds()})
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	errText := outcome.Err().Error()
	_ = w.attempts.FinishAttempt(ctx, task.Batch, task.RunID, task.Attempt, AttemptFailed, errText)
	if backoff, ok := w.policy.Retry(task.Attempt, task.MaxAttempts); ok {
		next := task
		next.Attempt = task.Attempt + 1
		if _, err := w.queue.Requeue(ctx, next, errText, backoff); err != nil {
			return err
		}
		_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Batch: task.Batch, Event: "queue.retried", At: time.Now().UTC(), Payload: map[string]any{"attempt": next.Attempt, "error": errText}})
		w.emit(ctx, observe.Event{Campaign: campaign, RunID: task.RunID, Kind: observe.KindCustom, Status: observe.StatusFailed, Name: "queue.retried", Error: errText, Attributes: map[string]any{"attempt": next.Attempt}})
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	_, _ = w.queue.DeadLetter(ctx, delivery, errText)
	if err := w.publish(ctx, task, outcome); err != nil {
		return err
	}
	_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Batch: task.Batch, Event: "queue.dead_lettered", At: time.Now().UTC(), Payload: map[string]any{"attempt": task.Attempt, "error": errText}})
	w.emit(ctx, observe.Event{Campaign: campaign, RunID: task.RunID, Kind: observe.KindCustom, Status: observe.StatusFailed, Name: "queue.dead_lettered", Error: errText, Attributes: map[string]any{"attempt": task.Attempt}})
	return nil
}

func (w *Worker) publish(ctx context.Context, task queue.Task, outcome actions.Outcome) error {
	_, err := w.queue.PublishResult(ctx, queue.Result{
		RunID:      task.RunID,
		Batch:      task.Batch,
		Attempt:    task.Attempt,
		WorkerID:   w.cfg.WorkerID,
		State:      string(outcome.State),
		ExitCode:   outcome.ExitCode,
		Message:    outcome.Message,
		Stdout:     outcome.Stdout,
		Stderr:     outcome.Stderr,
		Duration:   outcome.Duration,
		FinishedAt: time.Now().UTC(),
	})
	return err
}

func (w *Worker) emit(ctx context.Context, event observe.Event) {
	if w == nil || w.observer == nil {
		return
	}
	event.Normalize()
	_ = w.observer.Emit(ctx, event)
}
