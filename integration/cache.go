package integration

import (
	"context"
	"sync"
	"time"

	"github.com/viccon/sturdyc"

	"github.com/goliatone/go-integrations/core"
)

const (
	cacheShards             = 8
	cacheEvictionPercentage = 10
)

// Clearable is implemented by every per-adapter cache so ClearCache can drop
// them together.
type Clearable interface {
	Clear()
}

type cacheEntry[T any] struct {
	value      T
	observedAt time.Time
}

// EntityCache is a bounded TTL cache of provider entities. Writes carry the
// time the value was observed at the provider and an older observation never
// replaces a newer one. Expired entries are hidden on read and dropped when
// a shard reaches capacity; no background goroutine is started.
type EntityCache[T any] struct {
	mu     sync.RWMutex
	client *sturdyc.Client[cacheEntry[T]]
}

func NewEntityCache[T any](cfg core.CacheConfig) *EntityCache[T] {
	capacity := cfg.MaxEntries
	if capacity <= 0 {
		capacity = core.DefaultConfig().Cache.MaxEntries
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = core.DefaultConfig().Cache.TTL
	}
	shards := cacheShards
	if capacity < shards {
		shards = 1
	}
	return &EntityCache[T]{
		client: sturdyc.New[cacheEntry[T]](capacity, shards, ttl, cacheEvictionPercentage, sturdyc.WithNoContinuousEvictions()),
	}
}

func (c *EntityCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.client.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	return entry.value, true
}

// Put stores value unless the cache already holds an entry observed later.
func (c *EntityCache[T]) Put(key string, value T, observedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.client.Get(key); ok && existing.observedAt.After(observedAt) {
		return false
	}
	c.client.Set(key, cacheEntry[T]{value: value, observedAt: observedAt})
	return true
}

// GetOrFetch returns the cached value or loads it with fetch. Fetch errors
// are not cached.
func (c *EntityCache[T]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	observedAt := time.Now().UTC()
	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Put(key, value, observedAt)
	if cached, ok := c.Get(key); ok {
		return cached, nil
	}
	return value, nil
}

func (c *EntityCache[T]) Delete(key string) {
	c.mu.Lock()
	c.client.Delete(key)
	c.mu.Unlock()
}

func (c *EntityCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Size()
}

func (c *EntityCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.client.ScanKeys() {
		c.client.Delete(key)
	}
}
