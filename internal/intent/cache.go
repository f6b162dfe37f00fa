package intent

import (
	"container/list"
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheTTL  = 2 * time.Minute
	DefaultCacheSize = 1024
)

type cacheEntry struct {
	result  Result
	expires time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited store of provider classifications.
// Expired entries are dropped lazily on access; the oldest entry is evicted at capacity.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewCache creates a cache. Non-positive arguments select the defaults.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached result for key if present and not expired.
func (c *Cache) Get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if !c.now().Before(entry.expires) {
		c.removeLocked(key, entry)
		return Result{}, false
	}
	return entry.result, true
}

// Put stores a result, refreshing its expiry if the key already exists.
func (c *Cache) Put(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if entry, ok := c.entries[key]; ok {
		entry.result = r
		entry.expires = expires
		c.order.MoveToBack(entry.element)
		return
	}
	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.removeLocked(oldest, c.entries[oldest])
		}
	}
	c.entries[key] = &cacheEntry{result: r, expires: expires, element: c.order.PushBack(key)}
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	if entry != nil {
		c.order.Remove(entry.element)
	}
	delete(c.entries, key)
}
