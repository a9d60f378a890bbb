package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/infrastructure/config"
	"github.com/literati-app/literati-backend/internal/metrics"
)

// redisCache implements Cache on go-redis, counting hits, misses and
// failures both in-process and on the cache operations metric.
type redisCache struct {
	client   *redis.Client
	logger   *zap.Logger
	registry *metrics.Registry

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errs    atomic.Int64
}

// NewClient builds and verifies a Redis client from config. The pool is
// shared between the cache and the distributed rate limiter.
func NewClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.URL,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisCache connects to Redis and verifies the connection before
// returning.
func NewRedisCache(cfg *config.RedisConfig, registry *metrics.Registry, logger *zap.Logger) (Cache, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("redis cache initialized",
		zap.String("addr", cfg.URL),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))

	return &redisCache{client: client, logger: logger, registry: registry}, nil
}

// NewRedisCacheWithClient wraps an existing client; used by tests and by
// callers sharing one connection pool between cache and rate limiter.
func NewRedisCacheWithClient(client *redis.Client, registry *metrics.Registry, logger *zap.Logger) Cache {
	return &redisCache{client: client, logger: logger, registry: registry}
}

func (r *redisCache) Get(ctx context.Context, key string) (string, error) {
	result, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.misses.Add(1)
			r.record("get", "miss")
			return "", ErrCacheKeyNotFound{Key: key}
		}
		r.errs.Add(1)
		r.record("get", "error")
		r.logger.Error("redis get failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	r.hits.Add(1)
	r.record("get", "hit")
	return result, nil
}

func (r *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.errs.Add(1)
		r.record("set", "error")
		r.logger.Error("redis set failed",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}

	r.sets.Add(1)
	r.record("set", "ok")
	return nil
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.errs.Add(1)
		r.record("delete", "error")
		r.logger.Error("redis delete failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis delete failed: %w", err)
	}

	r.deletes.Add(1)
	r.record("delete", "ok")
	return nil
}

func (r *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		r.errs.Add(1)
		r.record("exists", "error")
		r.logger.Error("redis exists check failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("redis exists check failed: %w", err)
	}
	return result > 0, nil
}

func (r *redisCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	result, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		r.errs.Add(1)
		r.record("setnx", "error")
		r.logger.Error("redis setnx failed",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if result {
		r.sets.Add(1)
	}
	r.record("setnx", "ok")
	return result, nil
}

func (r *redisCache) Increment(ctx context.Context, key string) (int64, error) {
	result, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		r.errs.Add(1)
		r.record("incr", "error")
		r.logger.Error("redis increment failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("redis increment failed: %w", err)
	}
	r.record("incr", "ok")
	return result, nil
}

func (r *redisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := r.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		r.logger.Error("json unmarshal failed",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("json unmarshal failed: %w", err)
	}
	return nil
}

func (r *redisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		r.logger.Error("json marshal failed",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("json marshal failed: %w", err)
	}
	return r.Set(ctx, key, data, ttl)
}

// Stats reports the in-process operation counters, including the hit rate
// over all reads so far.
func (r *redisCache) Stats() map[string]interface{} {
	hits := r.hits.Load()
	misses := r.misses.Load()

	stats := map[string]interface{}{
		"hits":    hits,
		"misses":  misses,
		"sets":    r.sets.Load(),
		"deletes": r.deletes.Load(),
		"errors":  r.errs.Load(),
	}
	if reads := hits + misses; reads > 0 {
		stats["hit_rate"] = float64(hits) / float64(reads)
	}
	return stats
}

func (r *redisCache) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Error("redis close failed", zap.Error(err))
		return fmt.Errorf("redis close failed: %w", err)
	}
	r.logger.Info("redis cache connection closed")
	return nil
}

func (r *redisCache) record(operation, result string) {
	if r.registry == nil {
		return
	}
	r.registry.Increment(metrics.CacheOpsTotal, prometheus.Labels{
		"operation": operation,
		"result":    result,
	}, 1)
}
