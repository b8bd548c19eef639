package cache

import (
	"context"
	"time"
)

// Cache is the key-value and pub/sub surface the watcher needs from Redis.
type Cache interface {
	BasicOps
	PubSubOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key.
	// A missing key yields "" and ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error
}

// PubSubOps defines fire-and-forget publishing.
type PubSubOps interface {
	// Publish posts message on channel and returns the number of receivers.
	Publish(ctx context.Context, channel string, message interface{}) (int64, error)
}
