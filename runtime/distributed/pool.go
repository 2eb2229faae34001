package distributed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/uq-campaign-go/actions"
	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	"github.com/PipeOpsHQ/uq-campaign-go/runtime/queue"
)

// Pool submits run jobs to a queue served by remote workers. Dispatch only
// enqueues; WaitAll collects results from the batch's result stream until
// every submitted job is accounted for.
type Pool struct {
	queue    queue.Queue
	attempts AttemptStore
	observer observe.Sink
	policy   RuntimePolicy
	campaign string
	batch    string

	mu          sync.Mutex
	outstanding map[int64]actions.Job
	lastID      string
}

var _ actions.Pool = (*Pool)(nil)

func NewPool(queueStore queue.Queue, attempts AttemptStore, observer observe.Sink, cfg PoolConfig) (*Pool, error) {
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	batch := strings.TrimSpace(cfg.Batch)
	if batch == "" {
		batch = uuid.NewString()
	}
	return &Pool{
		queue:       queueStore,
		attempts:    attempts,
		observer:    observer,
		policy:      NormalizeRuntimePolicy(cfg.Policy),
		campaign:    cfg.Campaign,
		batch:       batch,
		outstanding: map[int64]actions.Job{},
	}, nil
}

func (p *Pool) Batch() string { return p.batch }

// Outstanding reports how many dispatched jobs have no result yet.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

func (p *Pool) Dispatch(ctx context.Context, job actions.Job) (actions.Outcome, error) {
	if job.RunID <= 0 {
		return actions.Outcome{}, fmt.Errorf("job has no run id")
	}
	now := time.Now().UTC()
	task := queue.Task{
		RunID:       job.RunID,
		RunName:     job.RunName,
		Batch:       p.batch,
		Dir:         job.Dir,
		Command:     job.Command,
		Env:         job.Env,
		Timeout:     job.Timeout,
		Attempt:     1,
		MaxAttempts: p.policy.MaxAttempts,
		Metadata:    map[string]any{"campaign": p.campaign},
		EnqueuedAt:  now,
	}
	msgID, err := p.queue.Enqueue(ctx, task)
	if err != nil {
		return actions.Outcome{}, fmt.Errorf("failed to enqueue run %d: %w", job.RunID, err)
	}

	p.mu.Lock()
	p.outstanding[job.RunID] = job
	p.mu.Unlock()

	_ = p.attempts.SaveQueueEvent(ctx, QueueEvent{
		RunID: job.RunID,
		Batch: p.batch,
		Event: "queue.enqueued",
		At:    now,
		Payload: map[string]any{
			"messageId":   msgID,
			"maxAttempts": task.MaxAttempts,
		},
	})
	p.emit(ctx, observe.Event{
		RunID:      job.RunID,
		Kind:       observe.KindCustom,
		Status:     observe.StatusStarted,
		Name:       "queue.enqueued",
		Attributes: map[string]any{"messageId": msgID, "batch": p.batch},
	})
	return actions.Outcome{State: actions.OutcomePending, Message: "queued as " + msgID}, nil
}

// WaitAll blocks until a final result has arrived for every dispatched job,
// then drops the batch's result stream and returns the results ordered by
// run id.
func (p *Pool) WaitAll(ctx context.Context) ([]actions.JobResult, error) {
	var out []actions.JobResult
	for p.Outstanding() > 0 {
		p.mu.Lock()
		after := p.lastID
		p.mu.Unlock()

		results, err := p.queue.ReadResults(ctx, p.batch, after, p.policy.ClaimBlock, p.policy.ResultBatch)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(p.policy.PollInterval):
			}
			continue
		}
		if len(results) == 0 {
			if p.policy.ClaimBlock > 0 {
				if err := ctx.Err(); err != nil {
					return out, err
				}
				continue
			}
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(p.policy.PollInterval):
			}
			continue
		}

		p.mu.Lock()
		for _, r := range results {
			p.lastID = r.ID
			job, ok := p.outstanding[r.RunID]
			if !ok {
				continue
			}
			delete(p.outstanding, r.RunID)
			out = append(out, actions.JobResult{Job: job, Outcome: outcomeOf(r)})
		}
		p.mu.Unlock()
	}
	if err := p.queue.DeleteResults(ctx, p.batch); err != nil {
		p.emit(ctx, observe.Event{Kind: observe.KindCustom, Status: observe.StatusFailed, Name: "queue.results.cleanup", Error: err.Error()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.RunID < out[j].Job.RunID })
	return out, nil
}

func outcomeOf(r queue.Result) actions.Outcome {
	state := actions.OutcomeState(r.State)
	if state != actions.OutcomeSucceeded {
		state = actions.OutcomeFailed
	}
	return actions.Outcome{
		State:    state,
		ExitCode: r.ExitCode,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Duration: r.Duration,
		Message:  r.Message,
	}
}

func (p *Pool) QueueStats(ctx context.Context) (queue.Stats, error) {
	return p.queue.Stats(ctx)
}

// Stats summarizes this pool's batch from the attempt store.
func (p *Pool) Stats(ctx context.Context) (BatchStats, error) {
	return p.attempts.BatchStats(ctx, p.batch)
}

func (p *Pool) ListWorkers(ctx context.Context, limit int) ([]WorkerHeartbeat, error) {
	return p.attempts.ListWorkerHeartbeats(ctx, limit)
}

func (p *Pool) ListRunAttempts(ctx context.Context, runID int64, limit int) ([]AttemptRecord, error) {
	return p.attempts.ListAttempts(ctx, runID, limit)
}

func (p *Pool) ListQueueEvents(ctx context.Context, runID int64, limit int) ([]QueueEvent, error) {
	return p.attempts.ListQueueEvents(ctx, runID, limit)
}

// RequeueDead puts a dead-lettered run back on the queue with a fresh
// attempt count. Its result arrives on the batch it was first dispatched in.
func (p *Pool) RequeueDead(ctx context.Context, id string) (string, error) {
	return p.queue.RequeueDead(ctx, id, true)
}

func (p *Pool) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	return p.queue.ListDLQ(ctx, limit)
}

func (p *Pool) emit(ctx context.Context, event observe.Event) {
	if p.observer == nil {
		return
	}
	event.Campaign = p.campaign
	event.Normalize()
	_ = p.observer.Emit(ctx, event)
}
