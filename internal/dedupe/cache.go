// ABOUTME: Thread-safe TTL cache that remembers which conversation a start request created
// ABOUTME: Lets the server answer a retried start_conversation without starting a second run

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-council/internal/clock"
)

// cacheEntry stores the remembered value, its timestamp and list element.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map from a request key
// (a correlation token) to the result it produced (a conversation id).
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine drops expired entries every sweep interval until Close.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// sweepInterval is how often expired entries are purged.
const sweepInterval = time.Minute

// Lookup returns the value stored for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok || c.expiredLocked(entry) {
		return "", false
	}
	return entry.value, true
}

// Claim atomically returns the existing value for key, or stores value
// when key is absent or expired. existing is true when the caller lost the
// race and should reuse the returned value instead of its own.
func (c *Cache) Claim(key, value string) (stored string, existing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && !c.expiredLocked(entry) {
		return entry.value, true
	}
	c.putLocked(key, value)
	return value, false
}

// Forget removes key, for example when the start it guarded failed.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) expiredLocked(entry *cacheEntry) bool {
	return c.clock.Now().Sub(entry.timestamp) >= c.ttl
}

// putLocked must be called with mu held.
func (c *Cache) putLocked(key, value string) {
	now := c.clock.Now()

	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{value: value, timestamp: now, element: elem}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	for {
		select {
		case <-c.clock.After(sweepInterval):
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes all expired entries.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.seen {
		if c.expiredLocked(entry) {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
