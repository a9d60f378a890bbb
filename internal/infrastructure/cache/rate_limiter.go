package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisRateLimiter implements RateLimiter using Redis sorted sets for
// sliding window rate limiting. Shared across instances, unlike the
// in-process token bucket the HTTP layer falls back to.
type redisRateLimiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRateLimiter creates a Redis-based sliding window rate limiter.
func NewRedisRateLimiter(client *redis.Client, logger *zap.Logger) RateLimiter {
	return &redisRateLimiter{client: client, logger: logger}
}

// Allow records the request and reports whether it fits the limit. The
// pipeline trims expired entries, counts the window and adds the new
// timestamp in one round trip.
func (r *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	rateLimitKey := RateLimitPrefix + key

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rateLimitKey)

	requestID := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond()%1000)
	pipe.ZAdd(ctx, rateLimitKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: requestID,
	})
	pipe.Expire(ctx, rateLimitKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("rate limiter pipeline failed",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	// Count is taken before the current request was added
	if countCmd.Val() >= int64(limit) {
		r.client.ZRem(ctx, rateLimitKey, requestID)
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("current_count", countCmd.Val()),
			zap.Int("limit", limit))
		return false, nil
	}

	return true, nil
}

// Count returns the current entries in the window for a key.
func (r *redisRateLimiter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	rateLimitKey := RateLimitPrefix + key

	err := r.client.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10)).Err()
	if err != nil {
		r.logger.Error("rate limiter cleanup failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("rate limiter cleanup failed: %w", err)
	}

	count, err := r.client.ZCard(ctx, rateLimitKey).Result()
	if err != nil {
		r.logger.Error("rate limiter count failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("rate limiter count failed: %w", err)
	}
	return int(count), nil
}

// Reset clears the rate limit counter for a key.
func (r *redisRateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, RateLimitPrefix+key).Err(); err != nil {
		r.logger.Error("rate limiter reset failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("rate limiter reset failed: %w", err)
	}
	return nil
}

// Remaining returns how many requests are left in the current window.
func (r *redisRateLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	count, err := r.Count(ctx, key, window)
	if err != nil {
		return 0, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
