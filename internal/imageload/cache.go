package imageload

import (
	"image"
	"sync"
	"time"
)

// Cache keeps decoded images for a bounded time. It is owned by a single Loader.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	img      image.Image
	storedAt time.Time
}

// NewCache constructs a cache holding at most maxEntries images for ttl each.
// A non-positive ttl or maxEntries disables caching.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		ttl:     ttl,
		max:     maxEntries,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) enabled() bool {
	return c != nil && c.ttl > 0 && c.max > 0
}

// Get returns a cached image that has not expired.
func (c *Cache) Get(key string) (image.Image, bool) {
	if !c.enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.img, true
}

// Put stores img, evicting the oldest entry when the cache is full.
func (c *Cache) Put(key string, img image.Image) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldest) {
				oldestKey, oldest = k, e.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = cacheEntry{img: img, storedAt: c.now()}
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
