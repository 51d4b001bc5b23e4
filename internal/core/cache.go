// Package core defines the ports shared by the tiling services and their adapters.
package core

import (
	"context"
	"time"
)

// CacheRepository is the byte-oriented cache in front of collection status lookups.
// A missing or expired key reads as (nil, nil) so callers can fall through to the store.
type CacheRepository interface {
	// Set stores value under key. A zero ttl keeps the entry until it is deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete reports whether an entry was removed.
	Delete(ctx context.Context, key string) (bool, error)
	// Health reports whether the cache backend is reachable.
	Health(ctx context.Context) error
}
