package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (it *item[V]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Cache is a thread-safe in-memory cache with TTL and a size bound. When an
// insert pushes it past capacity, the oldest entries are evicted until only
// the newest half remains.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]*item[V]
	order      []K
	defaultTTL time.Duration
	capacity   int
	now        func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

// NewCache creates a cache. ttl <= 0 keeps entries until evicted; capacity <= 0
// disables the size bound.
func NewCache[K comparable, V any](ttl time.Duration, capacity int) *Cache[K, V] {
	return &Cache[K, V]{
		items:       make(map[K]*item[V]),
		defaultTTL:  ttl,
		capacity:    capacity,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
}

// StartCleanup removes expired entries every interval until Stop.
func (c *Cache[K, V]) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Invalidate()
			case <-c.stopCleanup:
				return
			}
		}
	}()
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	it, ok := c.items[key]
	if !ok || it.expired(c.now()) {
		return zero, false
	}
	return it.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// Add stores value only if key is absent or expired. It reports whether the
// value was stored.
func (c *Cache[K, V]) Add(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok && !it.expired(c.now()) {
		return false
	}
	c.setLocked(key, value, c.defaultTTL)
	return true
}

func (c *Cache[K, V]) setLocked(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &item[V]{value: value, expiresAt: expiresAt}

	if c.capacity > 0 && len(c.items) > c.capacity {
		c.trimLocked(c.capacity / 2)
	}
}

// trimLocked evicts the oldest entries until keep remain.
func (c *Cache[K, V]) trimLocked(keep int) {
	live := c.order[:0]
	for _, k := range c.order {
		if _, ok := c.items[k]; ok {
			live = append(live, k)
		}
	}
	drop := len(live) - keep
	if drop <= 0 {
		c.order = live
		return
	}
	for _, k := range live[:drop] {
		delete(c.items, k)
	}
	c.order = append([]K(nil), live[drop:]...)
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*item[V])
	c.order = nil
}

// Invalidate removes expired entries.
func (c *Cache[K, V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	live := c.order[:0]
	for _, k := range c.order {
		it, ok := c.items[k]
		if !ok {
			continue
		}
		if it.expired(now) {
			delete(c.items, k)
			continue
		}
		live = append(live, k)
	}
	c.order = live
}

func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stop stops the cleanup goroutine
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}
