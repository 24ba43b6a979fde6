package cache

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultMemoryEntries bounds a MemoryProvider built with a non-positive size.
	DefaultMemoryEntries = 10000
	// sweepEvery is the number of writes between purges of expired entries.
	sweepEvery = 256
)

// MemoryProvider is an in-process Provider for single-instance deployments and tests. It holds at
// most maxEntries keys; when full, the entry closest to expiry is evicted.
type MemoryProvider struct {
	mu         sync.Mutex
	data       map[string]item
	maxEntries int
	writes     int
	now        func() time.Time
}

type item struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty in-memory cache holding at most maxEntries keys.
func NewMemoryProvider(maxEntries int) *MemoryProvider {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &MemoryProvider{data: make(map[string]item), maxEntries: maxEntries, now: time.Now}
}

// Get retrieves a copy of the value if present and not expired.
func (c *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.lookup(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a copy of value with an optional TTL.
func (c *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes++
	if c.writes%sweepEvery == 0 {
		c.purgeExpired()
	}
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxEntries {
		c.purgeExpired()
		if len(c.data) >= c.maxEntries {
			c.evictOne()
		}
	}
	c.data[key] = c.newItem(value, ttl)
	return nil
}

// Del removes an entry.
func (c *MemoryProvider) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Close drops every entry.
func (c *MemoryProvider) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]item)
	return nil
}

// lookup must be called with mu held; expired entries are evicted on read.
func (c *MemoryProvider) lookup(key string) (item, bool) {
	it, ok := c.data[key]
	if !ok {
		return item{}, false
	}
	if it.expired(c.now()) {
		delete(c.data, key)
		return item{}, false
	}
	return it, true
}

func (c *MemoryProvider) purgeExpired() {
	now := c.now()
	for key, it := range c.data {
		if it.expired(now) {
			delete(c.data, key)
		}
	}
}

// evictOne drops the entry expiring soonest; entries without a TTL go last.
func (c *MemoryProvider) evictOne() {
	var (
		victim string
		best   time.Time
		found  bool
	)
	for key, it := range c.data {
		if it.expiresAt.IsZero() {
			if !found {
				victim, found = key, true
			}
			continue
		}
		if !found || best.IsZero() || it.expiresAt.Before(best) {
			victim, best, found = key, it.expiresAt, true
		}
	}
	if found {
		delete(c.data, victim)
	}
}

func (c *MemoryProvider) newItem(value []byte, ttl time.Duration) item {
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	return item{value: append([]byte(nil), value...), expiresAt: expires}
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}
