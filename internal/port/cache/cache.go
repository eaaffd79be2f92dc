// Package cache defines the byte-oriented cache port behind the quota
// resolver. Values are opaque; callers own the encoding.
package cache

import (
	"context"
	"time"
)

// Cache stores resolved quotas by key.
//
// A missing or expired key is reported as ok == false with a nil error; an
// error means the backend could not answer. Implementations may evict early
// but must never return an entry after its ttl.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Clear drops every entry, used when a change affects an unknown set of keys.
	Clear(ctx context.Context) error
}
