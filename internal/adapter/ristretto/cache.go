// Package ristretto is the in-process level of the resolver cache.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// avgEntryBytes approximates one encoded resolved quota plus its key.
const avgEntryBytes = 256

// Cache is bounded by the summed byte size of keys and values.
type Cache struct {
	store *ristretto.Cache[string, []byte]
}

// New sizes the cache to maxBytes. ristretto wants roughly ten admission
// counters per item it expects to hold.
func New(maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("ristretto: max size must be positive, got %d", maxBytes)
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(10*maxBytes/avgEntryBytes, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{store: store}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.store.Get(key)
	return v, ok, nil
}

// Set blocks until the write buffer is applied so a following Get sees the
// value. Items refused by the admission policy are silently not cached.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.store.SetWithTTL(key, value, int64(len(key)+len(value)), ttl)
	c.store.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.store.Del(key)
	return nil
}

func (c *Cache) Clear(_ context.Context) error {
	c.store.Clear()
	return nil
}

// Close stops ristretto's background goroutines.
func (c *Cache) Close() { c.store.Close() }
