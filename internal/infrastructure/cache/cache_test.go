package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/literati-app/literati-backend/internal/infrastructure/config"
	"github.com/literati-app/literati-backend/internal/metrics"
)

func setupTestRedis(t *testing.T) (*redisCache, *miniredis.Miniredis, *metrics.Registry) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := &config.RedisConfig{
		URL:          mr.Addr(),
		DB:           0,
		PoolSize:     5,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	registry, err := metrics.NewRegistry(200, zaptest.NewLogger(t))
	require.NoError(t, err)

	c, err := NewRedisCache(cfg, registry, zaptest.NewLogger(t))
	require.NoError(t, err)

	rc := c.(*redisCache)
	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return rc, mr, registry
}

func TestNewRedisCache(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		c, _, _ := setupTestRedis(t)
		assert.NotNil(t, c.client)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewRedisCache(nil, nil, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis config is required")
	})

	t.Run("nil logger", func(t *testing.T) {
		_, err := NewRedisCache(&config.RedisConfig{URL: "localhost:6379"}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("connection failure", func(t *testing.T) {
		cfg := &config.RedisConfig{
			URL:         "localhost:1", // nothing listens here
			DialTimeout: 100 * time.Millisecond,
		}
		_, err := NewRedisCache(cfg, nil, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestRedisCache_GetSet(t *testing.T) {
	c, _, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "literati:export:last", "dune", time.Minute))

	got, err := c.Get(ctx, "literati:export:last")
	require.NoError(t, err)
	assert.Equal(t, "dune", got)

	_, err = c.Get(ctx, "literati:export:missing")
	var notFound ErrCacheKeyNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "literati:export:missing", notFound.Key)
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	c, mr, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := c.Get(ctx, "k")
	assert.ErrorAs(t, err, &ErrCacheKeyNotFound{})
}

func TestRedisCache_DeleteExists(t *testing.T) {
	c, _, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))

	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_SetNX(t *testing.T) {
	c, _, _ := setupTestRedis(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := c.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestRedisCache_Increment(t *testing.T) {
	c, _, _ := setupTestRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Increment(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRedisCache_JSON(t *testing.T) {
	c, _, _ := setupTestRedis(t)
	ctx := context.Background()

	type shelf struct {
		Name  string `json:"name"`
		Books int    `json:"books"`
	}

	require.NoError(t, c.SetJSON(ctx, "literati:dashboard:snapshot", shelf{Name: "to-read", Books: 12}, time.Minute))

	var got shelf
	require.NoError(t, c.GetJSON(ctx, "literati:dashboard:snapshot", &got))
	assert.Equal(t, "to-read", got.Name)
	assert.Equal(t, 12, got.Books)

	require.NoError(t, c.Set(ctx, "garbage", "{not json", time.Minute))
	assert.Error(t, c.GetJSON(ctx, "garbage", &got))
}

func TestRedisCache_Stats(t *testing.T) {
	c, _, registry := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	_, _ = c.Get(ctx, "k")
	_, _ = c.Get(ctx, "k")
	_, _ = c.Get(ctx, "missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
	assert.Equal(t, int64(1), stats["sets"])
	assert.InDelta(t, 2.0/3.0, stats["hit_rate"], 0.001)

	hitCount := registry.CounterValue(metrics.CacheOpsTotal, prometheus.Labels{
		"operation": "get", "result": "hit",
	})
	assert.Equal(t, float64(2), hitCount)
}

func TestRedisRateLimiter_SlidingWindow(t *testing.T) {
	c, _, _ := setupTestRedis(t)
	limiter := NewRedisRateLimiter(c.client, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "user-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should pass", i)
	}

	allowed, err := limiter.Allow(ctx, "user-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed, "fourth request must be rejected")

	// Other clients are unaffected
	allowed, err = limiter.Allow(ctx, "user-2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	count, err := limiter.Count(ctx, "user-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	remaining, err := limiter.Remaining(ctx, "user-1", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	require.NoError(t, limiter.Reset(ctx, "user-1"))

	allowed, err = limiter.Allow(ctx, "user-1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}
