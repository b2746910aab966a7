// Package cacher provides TTL caching with stampede protection for values
// the server rebuilds on demand, such as the status payload served to
// server-list pings. The memory-backed implementation suits a single
// instance; the Redis-backed one shares entries across a fleet.
package cacher

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLoadFailed is returned when the goroutine elected to load a value
	// gave up without populating the cache.
	ErrLoadFailed = errors.New("cacher: loader failed to populate value")
	// ErrLoadTimeout is returned when waiting for another loader's result
	// took longer than the wait limit.
	ErrLoadTimeout = errors.New("cacher: timed out waiting for loader")
)

// LoadFunc rebuilds a value on a cache miss. It receives a context for
// cancellation and timeout control.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values under string keys with per-entry TTLs.
// Implementations must be safe for concurrent use and must collapse
// concurrent misses for the same key into a single load.
type Cacher[T any] interface {
	// GetOrLoad returns the value cached under key, running loadFn and
	// caching its result for ttl on a miss. Concurrent misses for the same
	// key share one load.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or populate
	//   - ttl: Time-to-live for a freshly loaded value
	//   - loadFn: Function that rebuilds the value on a miss
	//
	// Returns:
	//   - The cached or freshly loaded value of type T
	//   - An error if the lookup or the load fails
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, loadFn LoadFunc[T]) (T, error)

	// Set stores value under key for ttl, replacing any existing entry.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// ItemCount returns the number of cached entries.
	ItemCount(ctx context.Context) (int, error)
}
