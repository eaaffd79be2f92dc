// Package natskv implements the cache port on a NATS JetStream KV bucket,
// used as the L2 resolver cache shared by every instance.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache wraps a NATS JetStream KeyValue bucket. Entry TTL is the bucket's
// TTL; the per-call ttl is ignored.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a NATS KV-backed cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// kvKey maps cache keys onto the KV key alphabet, which has no ':'.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("natskv get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, kvKey(key), value); err != nil {
		return fmt.Errorf("natskv put %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, kvKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("natskv delete %s: %w", key, err)
	}
	return nil
}

// Clear deletes every live key in the bucket.
func (c *Cache) Clear(ctx context.Context) error {
	lister, err := c.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("natskv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	for k := range lister.Keys() {
		if err := c.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("natskv clear %s: %w", k, err)
		}
	}
	return nil
}
