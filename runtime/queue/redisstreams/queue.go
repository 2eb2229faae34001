// Package redisstreams implements the run queue on Redis Streams: one job
// stream read through a consumer group, a dead-letter stream, and one result
// stream per dispatch batch.
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/uq-campaign-go/runtime/queue"
)

const (
	defaultPrefix = "uq:queue"
	defaultGroup  = "workers"

	payloadField = "payload"
)

type Queue struct {
	client *goredis.Client
	group  string
	prefix string

	jobStream string
	dlqStream string
}

var _ queue.Queue = (*Queue)(nil)

type settings struct {
	client   *goredis.Client
	password string
	db       int
	prefix   string
	group    string
}

type Option func(*settings)

// WithClient reuses an existing client; password and db options are then
// ignored.
func WithClient(client *goredis.Client) Option {
	return func(s *settings) { s.client = client }
}

func WithPrefix(prefix string) Option {
	return func(s *settings) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

func WithGroup(group string) Option {
	return func(s *settings) {
		if g := strings.TrimSpace(group); g != "" {
			s.group = g
		}
	}
}

func WithPassword(password string) Option {
	return func(s *settings) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *settings) { s.db = db }
}

// New connects to Redis at addr and makes sure the worker group exists.
func New(addr string, opts ...Option) (*Queue, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	cfg := settings{prefix: defaultPrefix, group: defaultGroup}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = goredis.NewClient(&goredis.Options{Addr: addr, Password: cfg.password, DB: cfg.db})
	}
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q := &Queue{
		client:    client,
		group:     cfg.group,
		prefix:    cfg.prefix,
		jobStream: cfg.prefix + ":jobs",
		dlqStream: cfg.prefix + ":jobs:dlq",
	}
	err := client.XGroupCreateMkStream(ctx, q.jobStream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %q: %w", q.group, err)
	}
	return q, nil
}

func (q *Queue) resultStream(batch string) string {
	return q.prefix + ":results:" + batch
}

func (q *Queue) add(ctx context.Context, stream string, v any, extra ...any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	values := append([]any{payloadField, string(payload)}, extra...)
	return q.client.XAdd(ctx, &goredis.XAddArgs{Stream: stream, Values: values}).Result()
}

// decode reads the JSON payload of a stream entry. Entries that do not
// decode are reported as not ok.
func decode[T any](msg goredis.XMessage) (T, bool) {
	var v T
	raw, _ := msg.Values[payloadField].(string)
	if raw == "" {
		return v, false
	}
	return v, json.Unmarshal([]byte(raw), &v) == nil
}

func (q *Queue) Enqueue(ctx context.Context, task queue.Task) (string, error) {
	if task.RunID <= 0 {
		return "", fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(task.Batch) == "" {
		return "", fmt.Errorf("batch is required for run %d", task.RunID)
	}
	task.Attempt = max(task.Attempt, 1)
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	id, err := q.add(ctx, q.jobStream, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue run %d: %w", task.RunID, err)
	}
	return id, nil
}

// Claim reads up to count new jobs for consumer, blocking up to block when
// the stream is empty; a non-positive block returns at once. Undecodable
// entries are acknowledged and skipped.
func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.jobStream, ">"},
		Count:    int64(max(count, 1)),
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	now := time.Now().UTC()
	var out []queue.Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			task, ok := decode[queue.Task](msg)
			if !ok {
				_ = q.client.XAck(ctx, q.jobStream, q.group, msg.ID).Err()
				continue
			}
			out = append(out, queue.Delivery{ID: msg.ID, Stream: stream.Stream, Task: task, Received: now})
		}
	}
	return out, nil
}

// Ack acknowledges and deletes finished jobs.
func (q *Queue) Ack(ctx context.Context, _ string, messageIDs ...string) error {
	ids := messageIDs[:0:0]
	for _, id := range messageIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.jobStream, q.group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %v: %w", ids, err)
	}
	_ = q.client.XDel(ctx, q.jobStream, ids...).Err()
	return nil
}

// Requeue enqueues task again, not to be run before delay has passed.
func (q *Queue) Requeue(ctx context.Context, task queue.Task, reason string, delay time.Duration) (string, error) {
	task.NotBefore = nil
	if delay > 0 {
		at := time.Now().UTC().Add(delay)
		task.NotBefore = &at
	}
	if reason != "" {
		task.Metadata = withMeta(task.Metadata, "requeue_reason", reason)
	}
	return q.Enqueue(ctx, task)
}

func (q *Queue) DeadLetter(ctx context.Context, delivery queue.Delivery, reason string) (string, error) {
	task := delivery.Task
	task.Metadata = withMeta(task.Metadata, "dead_letter_reason", reason)
	id, err := q.add(ctx, q.dlqStream, task, "source_id", delivery.ID, "reason", reason)
	if err != nil {
		return "", fmt.Errorf("failed to dead-letter run %d: %w", task.RunID, err)
	}
	_ = q.Ack(ctx, "", delivery.ID)
	return id, nil
}

// ListDLQ returns dead-lettered jobs, newest first.
func (q *Queue) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.client.XRevRangeN(ctx, q.dlqStream, "+", "-", int64(limit)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]queue.Delivery, 0, len(entries))
	for _, entry := range entries {
		if task, ok := decode[queue.Task](entry); ok {
			out = append(out, queue.Delivery{ID: entry.ID, Stream: q.dlqStream, Task: task, Received: streamTime(entry.ID)})
		}
	}
	return out, nil
}

// RequeueDead moves one dead-lettered job back onto the job stream,
// optionally restarting its attempt count.
func (q *Queue) RequeueDead(ctx context.Context, id string, resetAttempt bool) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("dead letter id is required")
	}
	entries, err := q.client.XRangeN(ctx, q.dlqStream, id, id, 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to load dead letter %s: %w", id, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("dead letter %s not found", id)
	}
	task, ok := decode[queue.Task](entries[0])
	if !ok {
		return "", fmt.Errorf("dead letter %s has no readable job", id)
	}
	if resetAttempt {
		task.Attempt = 1
	}
	delete(task.Metadata, "dead_letter_reason")
	task.NotBefore = nil
	task.EnqueuedAt = time.Now().UTC()
	newID, err := q.Enqueue(ctx, task)
	if err != nil {
		return "", err
	}
	_ = q.client.XDel(ctx, q.dlqStream, id).Err()
	return newID, nil
}

func (q *Queue) PublishResult(ctx context.Context, result queue.Result) (string, error) {
	if strings.TrimSpace(result.Batch) == "" {
		return "", fmt.Errorf("batch is required for result of run %d", result.RunID)
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now().UTC()
	}
	id, err := q.add(ctx, q.resultStream(result.Batch), result)
	if err != nil {
		return "", fmt.Errorf("failed to publish result of run %d: %w", result.RunID, err)
	}
	return id, nil
}

func (q *Queue) ReadResults(ctx context.Context, batch, after string, block time.Duration, count int) ([]queue.Result, error) {
	if after == "" {
		after = "0"
	}
	if count <= 0 {
		count = 100
	}
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{q.resultStream(batch), after},
		Count:   int64(count),
		Block:   block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read results of batch %s: %w", batch, err)
	}
	var out []queue.Result
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if result, ok := decode[queue.Result](msg); ok {
				result.ID = msg.ID
				out = append(out, result)
			}
		}
	}
	return out, nil
}

// DeleteResults drops a batch's result stream once it has been consumed.
func (q *Queue) DeleteResults(ctx context.Context, batch string) error {
	if err := q.client.Del(ctx, q.resultStream(batch)).Err(); err != nil {
		return fmt.Errorf("failed to delete results of batch %s: %w", batch, err)
	}
	return nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	pipe := q.client.Pipeline()
	jobs := pipe.XLen(ctx, q.jobStream)
	dead := pipe.XLen(ctx, q.dlqStream)
	pending := pipe.XPending(ctx, q.jobStream, q.group)
	_, _ = pipe.Exec(ctx)

	var stats queue.Stats
	var err error
	if stats.StreamLength, err = jobs.Result(); err != nil && !errors.Is(err, goredis.Nil) {
		return stats, fmt.Errorf("failed to read job stream length: %w", err)
	}
	if stats.DLQLength, err = dead.Result(); err != nil && !errors.Is(err, goredis.Nil) {
		return stats, fmt.Errorf("failed to read dead letter length: %w", err)
	}
	if p, err := pending.Result(); err == nil {
		stats.Pending = p.Count
	}
	return stats, nil
}

func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

func withMeta(meta map[string]any, key string, value any) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	meta[key] = value
	return meta
}

// streamTime is the creation time encoded in a stream entry id.
func streamTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
