package cache

import (
	"context"
	"time"
)

// Cache provides a generic caching interface with TTL support and hit/miss
// accounting. Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX sets a value only if the key doesn't exist (atomic)
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Increment atomically increments a numeric value
	Increment(ctx context.Context, key string) (int64, error)

	// GetJSON retrieves and unmarshals JSON data
	GetJSON(ctx context.Context, key string, dest interface{}) error

	// SetJSON marshals and stores JSON data
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Stats reports operation counters for the export bundle
	Stats() map[string]interface{}

	// Close closes the cache connection
	Close() error
}

// RateLimiter enforces per-client request limits over a sliding window.
type RateLimiter interface {
	// Allow checks if a request is allowed under the rate limit
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// Count returns the current count for a rate limit key
	Count(ctx context.Context, key string, window time.Duration) (int, error)

	// Reset clears the rate limit counter for a key
	Reset(ctx context.Context, key string) error

	// Remaining returns how many requests are remaining in the current window
	Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Key prefixes for consistent cache key naming
const (
	DashboardPrefix = "literati:dashboard:"
	RateLimitPrefix = "literati:ratelimit:"
)

// DashboardTTL bounds how stale a served dashboard snapshot can be.
const DashboardTTL = 30 * time.Second

// ErrCacheKeyNotFound is returned when a cache key doesn't exist
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return "cache key not found: " + e.Key
}
