package runbook

import (
	"sync"
	"time"
)

const cacheTTL = 10 * time.Minute

// cacheEntry holds a cached resolution with a timestamp for TTL expiration.
type cacheEntry struct {
	resolution *Resolution
	cachedAt   time.Time
}

// Cache is a thread-safe resolution cache keyed by error fingerprint.
// Expired entries are cleaned up lazily on Get, no background goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached resolution if present and not expired.
func (c *Cache) Get(fingerprint string) (*Resolution, bool) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.cachedAt) > c.ttl {
		// Re-check under the write lock: a concurrent Set may have replaced
		// the entry with a fresh one between RUnlock and Lock.
		c.mu.Lock()
		if current, ok := c.entries[fingerprint]; ok && time.Since(current.cachedAt) > c.ttl {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.resolution, true
}

// Set stores a resolution with the current timestamp.
func (c *Cache) Set(fingerprint string, resolution *Resolution) {
	c.mu.Lock()
	c.entries[fingerprint] = &cacheEntry{
		resolution: resolution,
		cachedAt:   time.Now(),
	}
	c.mu.Unlock()
}
