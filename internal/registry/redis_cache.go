package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/types"
)

// RedisCacheConfig configures the Redis-backed discovery cache, grounded
// on libs/queue/redis_queue.go's RedisQueueConfig idiom.
type RedisCacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // default: "coordinator:registry:"
	TTL           time.Duration
}

// DefaultRedisCacheConfig returns sane defaults.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		RedisAddr: "localhost:6379",
		KeyPrefix: "coordinator:registry:",
		TTL:       30 * time.Second,
	}
}

// RedisSource decorates a Source with a Redis-backed, TTL-expiring cache
// in place of Client's in-memory map — used when the coordinator runs as
// more than one replica and needs a shared discovery cache. Cache
// invalidation remains time-based only, per spec.md §4.1.
type RedisSource struct {
	inner  Source
	client *redis.Client
	cfg    RedisCacheConfig
	logger *zap.Logger
}

// NewRedisSource wraps inner with a Redis-backed cache.
func NewRedisSource(ctx context.Context, inner Source, cfg RedisCacheConfig, logger *zap.Logger) (*RedisSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRedisCacheConfig().TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisCacheConfig().KeyPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: failed to connect to redis: %w", err)
	}
	return &RedisSource{inner: inner, client: client, cfg: cfg, logger: logger}, nil
}

func (r *RedisSource) key(cap capability.Tag) string {
	return r.cfg.KeyPrefix + string(cap)
}

// AgentsByCapability satisfies Source, checking Redis first.
func (r *RedisSource) AgentsByCapability(ctx context.Context, cap capability.Tag) ([]types.Agent, error) {
	key := r.key(cap)

	if raw, err := r.client.Get(ctx, key).Result(); err == nil {
		var agents []types.Agent
		if jsonErr := json.Unmarshal([]byte(raw), &agents); jsonErr == nil {
			return agents, nil
		}
	}

	agents, err := r.inner.AgentsByCapability(ctx, cap)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(agents); err == nil {
		if err := r.client.Set(ctx, key, data, r.cfg.TTL).Err(); err != nil {
			r.logger.Warn("registry: failed to populate redis cache", zap.Error(err))
		}
	}
	return agents, nil
}

// Close releases the underlying Redis client.
func (r *RedisSource) Close() error {
	return r.client.Close()
}
