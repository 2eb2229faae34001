package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultPrefix = "uqc"
)

// Store caches run records in Redis and indexes them by status. It is not a
// registry on its own; the hybrid store keeps SQLite as the durable copy.
type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, state.WrapIO("ping redis", err)
	}

	return s, nil
}

func (s *Store) Addr() string { return s.addr }

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if run.ID <= 0 {
		return fmt.Errorf("run id is required")
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now().UTC()
	}

	runRaw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	member := strconv.FormatInt(run.ID, 10)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.ID), string(runRaw), s.ttl)
	for _, status := range types.Statuses() {
		if status == run.Status {
			continue
		}
		pipe.ZRem(ctx, s.statusIndexKey(status), member)
	}
	pipe.ZAdd(ctx, s.statusIndexKey(run.Status), goredis.Z{
		Score:  float64(run.ID),
		Member: member,
	})
	pipe.Expire(ctx, s.statusIndexKey(run.Status), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return state.WrapIO("save run in redis", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, id int64) (state.RunRecord, error) {
	raw, err := s.client.Get(ctx, s.runKey(id)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, state.WrapIO("load run from redis", err)
	}

	var run state.RunRecord
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run from redis: %w", err)
	}
	return run, nil
}

// RunIDsByStatus returns cached run ids for a status in ascending order.
// Ids whose run key has expired are pruned from the index.
func (s *Store) RunIDsByStatus(ctx context.Context, status types.Status, limit int) ([]int64, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.client.ZRange(ctx, s.statusIndexKey(status), 0, stop).Result()
	if err != nil {
		return nil, state.WrapIO("list run ids by status", err)
	}
	if len(members) == 0 {
		return []int64{}, nil
	}

	keys := make([]string, 0, len(members))
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		keys = append(keys, s.runKey(id))
	}
	exists, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, state.WrapIO("mget runs from redis", err)
	}

	out := make([]int64, 0, len(ids))
	stale := make([]any, 0)
	for i, raw := range exists {
		if raw == nil {
			stale = append(stale, strconv.FormatInt(ids[i], 10))
			continue
		}
		out = append(out, ids[i])
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.statusIndexKey(status), stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) DeleteRuns(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 500).Result()
		if err != nil {
			return state.WrapIO("scan redis keys", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return state.WrapIO("delete redis keys", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) AcquireRunLock(ctx context.Context, id int64, owner string, ttl time.Duration) (bool, error) {
	if id <= 0 || owner == "" {
		return false, fmt.Errorf("run id and owner are required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(id), owner, ttl).Result()
	if err != nil {
		return false, state.WrapIO("acquire run lock", err)
	}
	return ok, nil
}

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) ReleaseRunLock(ctx context.Context, id int64, owner string) error {
	if id <= 0 || owner == "" {
		return fmt.Errorf("run id and owner are required")
	}
	if _, err := releaseScript.Run(ctx, s.client, []string{s.lockKey(id)}, owner).Result(); err != nil {
		return state.WrapIO("release run lock", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) runKey(id int64) string {
	return fmt.Sprintf("%s:run:%d", s.prefix, id)
}

func (s *Store) statusIndexKey(status types.Status) string {
	return fmt.Sprintf("%s:runidx:status:%s", s.prefix, status)
}

func (s *Store) lockKey(id int64) string {
	return fmt.Sprintf("%s:lock:run:%d", s.prefix, id)
}
