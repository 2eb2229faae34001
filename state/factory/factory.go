package factory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/internal/config"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/state/hybrid"
	redisstore "github.com/PipeOpsHQ/uq-campaign-go/state/redis"
	sqlitestore "github.com/PipeOpsHQ/uq-campaign-go/state/sqlite"
)

const (
	BackendSQLite = "sqlite"
	BackendHybrid = "hybrid"
)

// Descriptor identifies a registry so a saved campaign can reconnect to it.
// Secrets are never part of it; they come from the environment.
type Descriptor struct {
	Backend     string `json:"backend"`
	SQLitePath  string `json:"sqlitePath,omitempty"`
	RedisAddr   string `json:"redisAddr,omitempty"`
	RedisDB     int    `json:"redisDb,omitempty"`
	RedisPrefix string `json:"redisPrefix,omitempty"`
}

func DescriptorFromEnv(defaultPath string) Descriptor {
	if defaultPath == "" {
		defaultPath = "./.uq-campaign/registry.db"
	}
	d := Descriptor{
		Backend:    strings.ToLower(config.Getenv("CAMPAIGN_STATE_BACKEND", BackendSQLite)),
		SQLitePath: config.Getenv("CAMPAIGN_SQLITE_PATH", defaultPath),
	}
	if d.Backend == BackendHybrid {
		d.RedisAddr = config.Getenv("CAMPAIGN_REDIS_ADDR", "127.0.0.1:6379")
		d.RedisDB = config.ParseIntEnv("CAMPAIGN_REDIS_DB", 0)
		d.RedisPrefix = config.Getenv("CAMPAIGN_REDIS_PREFIX", "")
	}
	return d
}

func FromEnv(ctx context.Context, defaultPath string, logger *zap.Logger) (state.Store, Descriptor, error) {
	desc := DescriptorFromEnv(defaultPath)
	s, err := Open(ctx, desc, logger)
	if err != nil {
		return nil, Descriptor{}, err
	}
	return s, desc, nil
}

// Open connects to the registry a descriptor names. A hybrid registry whose
// Redis is unreachable falls back to SQLite alone.
func Open(ctx context.Context, desc Descriptor, logger *zap.Logger) (state.Store, error) {
	_ = ctx
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(desc.Backend)) {
	case "", BackendSQLite:
		return sqlitestore.New(desc.SQLitePath)

	case BackendHybrid:
		durable, err := sqlitestore.New(desc.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisCache(desc)
		if err != nil {
			logger.Warn("redis cache unavailable, using sqlite only", zap.String("addr", desc.RedisAddr), zap.Error(err))
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache,
			hybrid.WithLogger(logger),
			hybrid.WithLockTTL(config.GetenvDuration("CAMPAIGN_LOCK_TTL", 15*time.Second)),
		)

	default:
		return nil, fmt.Errorf("unsupported CAMPAIGN_STATE_BACKEND %q (use sqlite or hybrid)", desc.Backend)
	}
}

func newRedisCache(desc Descriptor) (*redisstore.Store, error) {
	opts := []redisstore.Option{
		redisstore.WithPassword(strings.TrimSpace(os.Getenv("CAMPAIGN_REDIS_PASSWORD"))),
		redisstore.WithDB(desc.RedisDB),
		redisstore.WithTTL(config.GetenvDuration("CAMPAIGN_REDIS_TTL", 72*time.Hour)),
	}
	if desc.RedisPrefix != "" {
		opts = append(opts, redisstore.WithPrefix(desc.RedisPrefix))
	}
	return redisstore.New(desc.RedisAddr, opts...)
}
