// Package cache defines the time-boxed key/value store consulted before
// provider calls, plus an in-memory implementation. A database-backed
// implementation lives in internal/store.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL key/value store. Implementations must be safe for
// concurrent use; last-write-wins is acceptable given the TTL bound.
type Cache interface {
	// Get returns the value for key, or found=false on miss or expiry.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key builds the canonical cache key for a provider+identifier pair.
func Key(provider, identifier string) string {
	return provider + ":" + identifier
}
