package cacher

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher is the in-process Cacher backed by go-cache, with
// singleflight collapsing concurrent loads of the same missing key.
type MemoryCacher[T any] struct {
	store *cache.Cache
	group singleflight.Group
}

// NewMemoryCacher creates a memory-backed cacher.
//
// Parameters:
//   - defaultTTL: Expiration applied when Set is called with ttl 0
//   - cleanupInterval: How often expired entries are purged
//
// Returns:
//   - A Cacher[T] holding its entries in process memory
func NewMemoryCacher[T any](defaultTTL, cleanupInterval time.Duration) Cacher[T] {
	return &MemoryCacher[T]{
		store: cache.New(defaultTTL, cleanupInterval),
	}
}

// GetOrLoad returns the cached value for key, loading and caching it on a
// miss. Concurrent callers missing on the same key share a single loadFn
// invocation.
func (c *MemoryCacher[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loadFn LoadFunc[T]) (T, error) {
	var zero T
	if val, ok := c.lookup(key); ok {
		return val, nil
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check inside the flight: the winner of an earlier flight may
		// have populated the entry while this caller queued.
		if val, ok := c.lookup(key); ok {
			return val, nil
		}
		val, err := loadFn(ctx)
		if err != nil {
			return nil, err
		}
		c.store.Set(key, val, ttl)
		return val, nil
	})
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// Set stores value under key for ttl, replacing any existing entry.
func (c *MemoryCacher[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.store.Set(key, value, ttl)
	return nil
}

// Delete removes key from the cache.
func (c *MemoryCacher[T]) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.store.Delete(key)
	return nil
}

// Clear removes every entry.
func (c *MemoryCacher[T]) Clear(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.store.Flush()
	return nil
}

// ItemCount returns the number of entries, including expired ones not yet
// purged by the cleanup cycle.
func (c *MemoryCacher[T]) ItemCount(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	return c.store.ItemCount(), nil
}

// lookup fetches key and type-asserts it, treating a wrong-type entry as a
// miss.
func (c *MemoryCacher[T]) lookup(key string) (T, bool) {
	if val, ok := c.store.Get(key); ok {
		if typed, ok := val.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}
