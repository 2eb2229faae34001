package distributed

import (
	"time"
)

type PoolConfig struct {
	// Campaign tags every event the pool and its workers emit.
	Campaign string
	// Batch names the result stream; a fresh id is used when empty.
	Batch  string
	Policy RuntimePolicy
}

type WorkerConfig struct {
	WorkerID string
	Capacity int
}

type AttemptRecord struct {
	RunID     int64          `json:"runId"`
	Batch     string         `json:"batch"`
	Attempt   int            `json:"attempt"`
	WorkerID  string         `json:"workerId"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type WorkerHeartbeat struct {
	WorkerID   string         `json:"workerId"`
	Status     string         `json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
	Capacity   int            `json:"capacity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type QueueEvent struct {
	ID      int64          `json:"id"`
	RunID   int64          `json:"runId"`
	Batch   string         `json:"batch"`
	Event   string         `json:"event"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// BatchStats summarizes the latest attempt of each run in one batch.
type BatchStats struct {
	Batch      string         `json:"batch"`
	Runs       int            `json:"runs"`
	ByStatus   map[string]int `json:"byStatus"`
	MaxAttempt int            `json:"maxAttempt"`
}
