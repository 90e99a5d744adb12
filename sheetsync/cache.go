package sheetsync

import (
	"sync"
	"time"

	"bitbucket.org/kamdental/dentalsync_backend/config"
)

// Cache is the TTL cache the resolver is constructed with. Keeping it an
// interface lets unit tests control time instead of sleeping through TTLs.
type Cache interface {
	Get(key string) (string, bool)
	Set(key string, value string, ttl time.Duration)
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is a process-local cache with an injectable clock.
type MemoryCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(time.Now)
}

func NewMemoryCacheWithClock(now func() time.Time) *MemoryCache {
	return &MemoryCache{
		now:     now,
		entries: map[string]memoryEntry{},
	}
}

func (c *MemoryCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.value, true
}

func (c *MemoryCache) Set(key string, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// RedisCache stores entries in the shared Redis so Cloud Run instances see
// the same lookups. No cross-process invalidation exists; stale entries
// self-heal at TTL expiry.
type RedisCache struct {
	Prefix string
}

func NewRedisCache(prefix string) *RedisCache {
	return &RedisCache{Prefix: prefix}
}

func (c *RedisCache) Get(key string) (string, bool) {
	var value string
	exists, err := config.GetRedisObject(c.Prefix+key, &value)
	if err != nil || !exists {
		return "", false
	}
	return value, true
}

func (c *RedisCache) Set(key string, value string, ttl time.Duration) {
	_ = config.SetRedisObject(c.Prefix+key, value, ttl)
}
