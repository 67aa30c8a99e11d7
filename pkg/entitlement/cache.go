package entitlement

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a short-lived lookup cache. It only saves latency: callers must
// produce the same answer on a miss.
type Cache interface {
	// Get returns a cached value and true if present and unexpired
	Get(key string) (string, bool)

	// Set stores a value for the cache's TTL
	Set(key, value string)

	// Clear removes all entries
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// NoopCache is a cache implementation that does nothing
type NoopCache struct{}

func (NoopCache) Get(_ string) (string, bool) { return "", false }
func (NoopCache) Set(_, _ string)             {}
func (NoopCache) Clear()                      {}
func (NoopCache) Stats() CacheStats           { return CacheStats{} }

// TTLCache implements Cache on github.com/patrickmn/go-cache
type TTLCache struct {
	cache  *gocache.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

// NewTTLCache creates a cache whose entries expire after ttl
func NewTTLCache(ttl time.Duration) *TTLCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TTLCache{cache: gocache.New(ttl, 2*ttl)}
}

func (c *TTLCache) Get(key string) (string, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return s, true
}

func (c *TTLCache) Set(key, value string) {
	c.cache.SetDefault(key, value)
}

func (c *TTLCache) Clear() {
	c.cache.Flush()
}

func (c *TTLCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.cache.ItemCount(),
	}
}
