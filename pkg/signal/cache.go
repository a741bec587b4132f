package signal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a TTL cache that deduplicates concurrent fetches for the same key.
// A burst of cycles for the same user makes at most one upstream call per
// signal per TTL window.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	value  interface{}
	expiry time.Time
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
	}
}

// GetOrFetch returns the cached value for key if still fresh, otherwise calls
// fetch and caches the result for ttl. Concurrent callers for the same key
// share a single fetch. Errors are not cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiry) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// another caller may have filled the entry while we waited on the group
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && time.Now().Before(e.expiry) {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()

		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = cacheEntry{value: v, expiry: time.Now().Add(ttl)}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Invalidate drops the cached value for key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
