// ABOUTME: TTL-bounded cache of recently seen message IDs
// ABOUTME: Suppresses duplicate deliveries around reconnects and re-joins

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache remembers which message IDs a consumer has already handled. A
// reconnecting realtime client can receive the same broadcast twice (once
// before the drop, once after re-joining the room), and a history fetch
// overlaps with the live stream; checking IDs against the cache keeps each
// message's effect single.
//
// Entries expire after the TTL and the cache is size-capped, evicting the
// oldest entry first. Eviction order rides a linked list so Mark stays O(1).
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

type seenEntry struct {
	at   time.Time
	elem *list.Element
}

// New creates a cache that forgets IDs after ttl and never holds more than
// maxSize of them. A background goroutine sweeps expired entries until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Check reports whether id was marked within the TTL.
func (c *Cache) Check(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[id]
	return ok && time.Since(entry.at) < c.ttl
}

// CheckAndMark reports whether id was already seen, marking it if not. The
// check and the mark happen under one lock so concurrent callers racing on
// the same id produce exactly one "new".
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[id]; ok && time.Since(entry.at) < c.ttl {
		return true
	}
	c.markLocked(id)
	return false
}

// Mark records id as seen, refreshing its TTL if already present.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

func (c *Cache) markLocked(id string) {
	now := time.Now()

	if entry, ok := c.seen[id]; ok {
		entry.at = now
		c.order.MoveToBack(entry.elem)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[id] = &seenEntry{at: now, elem: c.order.PushBack(id)}
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

// sweep drops every entry older than the TTL.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.seen {
		if now.Sub(entry.at) > c.ttl {
			c.order.Remove(entry.elem)
			delete(c.seen, id)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
