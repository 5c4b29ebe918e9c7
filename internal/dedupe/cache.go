// ABOUTME: TTL cache tracking inbound message event IDs already processed
// ABOUTME: Prevents re-forwarding when the network redelivers an event

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry holds the mark time and the eviction-order list element for a key.
type entry struct {
	markedAt time.Time
	elem     *list.Element
}

// Cache is a thread-safe, TTL-based, size-bounded set of seen event keys.
// Insertion order is kept in a linked list so capacity eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest key at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine sweeps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen atomically checks whether key was already marked and marks it if
// not. Returns true for a duplicate, false for a first sighting.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && time.Since(e.markedAt) < c.ttl {
		return true
	}
	c.mark(key)
	return false
}

// mark records key as seen. Must be called with mu held.
func (c *Cache) mark(key string) {
	now := time.Now()

	if e, ok := c.seen[key]; ok {
		e.markedAt = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			evicted, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, evicted)
		}
	}

	c.seen[key] = &entry{markedAt: now, elem: c.order.PushBack(key)}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops every expired entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.markedAt) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.seen, key)
		}
	}
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
