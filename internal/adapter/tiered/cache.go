// Package tiered layers a per-process resolver cache over a cache shared by
// every costgate instance.
package tiered

import (
	"context"
	"errors"
	"time"

	"github.com/Strob0t/costgate/internal/port/cache"
)

// Cache reads the local level first and falls back to the shared level,
// copying shared hits into the local one. Writes and invalidations go to
// both levels.
type Cache struct {
	local    cache.Cache
	shared   cache.Cache
	localTTL time.Duration
}

// New creates a tiered cache. localTTL caps how long any entry lives in the
// local level, which bounds how stale an instance can be when it missed an
// invalidation broadcast.
func New(local, shared cache.Cache, localTTL time.Duration) *Cache {
	return &Cache{local: local, shared: shared, localTTL: localTTL}
}

func (c *Cache) capTTL(ttl time.Duration) time.Duration {
	if c.localTTL > 0 && (ttl <= 0 || c.localTTL < ttl) {
		return c.localTTL
	}
	return ttl
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	if data, ok, err = c.local.Get(ctx, key); err != nil || ok {
		return data, ok, err
	}
	data, ok, err = c.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	// The shared level does not expose the remaining ttl, so the copy gets
	// the local cap.
	_ = c.local.Set(ctx, key, data, c.capTTL(0))
	return data, true, nil
}

// Set writes the local level with the capped ttl and the shared level with ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.shared.Set(ctx, key, value, ttl)
}

// Delete removes key from both levels even if one of them fails.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.local.Delete(ctx, key), c.shared.Delete(ctx, key))
}

// Clear empties both levels even if one of them fails.
func (c *Cache) Clear(ctx context.Context) error {
	return errors.Join(c.local.Clear(ctx), c.shared.Clear(ctx))
}
