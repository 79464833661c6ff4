package cache

import (
	"context"
	"time"
)

// Cache provides a generic caching interface with TTL support
type Cache interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// GetJSON retrieves and unmarshals JSON data
	GetJSON(ctx context.Context, key string, dest interface{}) error

	// SetJSON marshals and stores JSON data
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Close closes the cache connection
	Close() error
}

// Key prefixes for consistent cache key naming
const (
	BaselinePrefix = "dta:baseline:"
	ProfilePrefix  = "dta:profile:"
	StatsPrefix    = "dta:stats:"
)

// Common TTL values
const (
	DefaultTTL    = 1 * time.Hour
	BaselineTTL   = 6 * time.Hour
	ProfileTTL    = 12 * time.Hour
	ShortCacheTTL = 30 * time.Second
)

// ErrCacheKeyNotFound is returned when a cache key doesn't exist
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return "cache key not found: " + e.Key
}
