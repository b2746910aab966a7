package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockSuffix = ":lock"
	// lockTTL bounds how long a crashed loader can hold a key's load lock.
	lockTTL = 10 * time.Second
	// loadWaitTimeout bounds how long a caller waits for another instance's
	// loader before giving up.
	loadWaitTimeout = 10 * time.Second
)

// releaseLockScript deletes the lock only when the caller still owns it, so
// a loader that outlived its lock TTL cannot release a successor's lock.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// redisCacher shares cached values across server instances, with JSON as the
// storage encoding. A short-lived SetNX lock elects one loader per missing
// key; other callers poll for the winner's result.
type redisCacher[T any] struct {
	client *redis.Client
}

// NewRedisCacher creates a Redis-backed cacher on top of an existing client.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	statuses := cacher.NewRedisCacher[StatusResponse](client)
func NewRedisCacher[T any](client *redis.Client) Cacher[T] {
	return &redisCacher[T]{
		client: client,
	}
}

// GetOrLoad returns the value cached under key, loading and caching it on a
// miss. Across instances, a distributed lock elects one loader per key;
// callers that lose the election wait for the winner's result instead of
// loading themselves.
func (c *redisCacher[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loadFn LoadFunc[T]) (T, error) {
	var zero T

	val, err := c.getValue(ctx, key)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		return zero, err
	}

	lockKey := key + lockSuffix
	lockToken := strconv.FormatInt(time.Now().UnixNano(), 10)
	acquired, err := c.client.SetNX(ctx, lockKey, lockToken, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("acquire load lock: %w", err)
	}
	if !acquired {
		return c.awaitLoader(ctx, key, lockKey)
	}

	// Release with a background context so the lock does not leak when the
	// caller's context is already cancelled.
	defer releaseLockScript.Run(context.Background(), c.client, []string{lockKey}, lockToken)

	loaded, err := loadFn(ctx)
	if err != nil {
		return zero, err
	}
	if err := c.Set(ctx, key, loaded, ttl); err != nil {
		return zero, err
	}
	return loaded, nil
}

// Set stores value under key for ttl, replacing any existing entry.
func (c *redisCacher[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store value for %s: %w", key, err)
	}
	return nil
}

// Delete removes key from the cache.
func (c *redisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry in the backing database.
func (c *redisCacher[T]) Clear(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// ItemCount returns the number of keys in the backing database.
func (c *redisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	count, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return int(count), nil
}

// getValue fetches and decodes key. A miss surfaces as redis.Nil.
func (c *redisCacher[T]) getValue(ctx context.Context, key string) (T, error) {
	var zero T
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return zero, err
	}
	var val T
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		return zero, fmt.Errorf("decode cached value for %s: %w", key, err)
	}
	return val, nil
}

// awaitLoader polls for the value while the elected loader works, backing
// off from 10ms up to 500ms between checks. It gives up when the lock
// disappears without a value appearing or when loadWaitTimeout passes.
func (c *redisCacher[T]) awaitLoader(ctx context.Context, key, lockKey string) (T, error) {
	var zero T
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(loadWaitTimeout)

	for {
		val, err := c.getValue(ctx, key)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, redis.Nil) {
			return zero, err
		}

		locked, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("check load lock: %w", err)
		}
		if locked == 0 {
			// The loader finished. Either it stored the value between our
			// two checks, or it failed and there is nothing to wait for.
			val, err := c.getValue(ctx, key)
			if err == nil {
				return val, nil
			}
			if errors.Is(err, redis.Nil) {
				return zero, ErrLoadFailed
			}
			return zero, err
		}

		if time.Now().After(deadline) {
			return zero, ErrLoadTimeout
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 500*time.Millisecond)
	}
}
