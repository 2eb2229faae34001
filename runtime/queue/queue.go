package queue

import (
	"context"
	"time"
)

// Task is one run's execution job as it travels through the queue. Dir must
// be reachable from the worker that claims it.
type Task struct {
	RunID       int64             `json:"runId"`
	RunName     string            `json:"runName"`
	Batch       string            `json:"batch"`
	Dir         string            `json:"dir"`
	Command     string            `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"maxAttempts"`
	NotBefore   *time.Time        `json:"notBefore,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
}

type Delivery struct {
	ID       string    `json:"id"`
	Stream   string    `json:"stream"`
	Task     Task      `json:"task"`
	Received time.Time `json:"received"`
}

// Result is what a worker reports back once a task is finished for good,
// either because it exited or because its attempts ran out.
type Result struct {
	ID         string        `json:"id,omitempty"`
	RunID      int64         `json:"runId"`
	Batch      string        `json:"batch"`
	Attempt    int           `json:"attempt"`
	WorkerID   string        `json:"workerId"`
	State      string        `json:"state"`
	ExitCode   int           `json:"exitCode"`
	Message    string        `json:"message,omitempty"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finishedAt"`
}

type Stats struct {
	StreamLength int64 `json:"streamLength"`
	DLQLength    int64 `json:"dlqLength"`
	Pending      int64 `json:"pending"`
}

type Queue interface {
	Enqueue(ctx context.Context, task Task) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error)
	Ack(ctx context.Context, consumer string, messageIDs ...string) error
	Requeue(ctx context.Context, task Task, reason string, delay time.Duration) (string, error)
	DeadLetter(ctx context.Context, delivery Delivery, reason string) (string, error)
	ListDLQ(ctx context.Context, limit int) ([]Delivery, error)
	// RequeueDead moves a dead-lettered task back onto the job stream.
	RequeueDead(ctx context.Context, id string, resetAttempt bool) (string, error)
	// PublishResult appends a result to the batch's result stream.
	PublishResult(ctx context.Context, result Result) (string, error)
	// ReadResults returns results of a batch published after the given id.
	// An empty after reads from the start.
	ReadResults(ctx context.Context, batch, after string, block time.Duration, count int) ([]Result, error)
	DeleteResults(ctx context.Context, batch string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
