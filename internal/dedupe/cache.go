// Package dedupe keeps a bounded set of recently ingested document IDs so
// the streaming mode can drop Kafka replays before they reach the store.
// Documents are idempotent upserts anyway; skipping known IDs just saves
// bulk traffic.
package dedupe

import (
	"sync"
	"time"
)

// Cache is a two-generation seen-set: keys live in the current generation
// until it fills up or half the ttl passes, then generations rotate and the
// oldest one is dropped wholesale. A key is therefore remembered for at
// least ttl/2 and at most ttl.
type Cache struct {
	mu       sync.Mutex
	cur      map[string]struct{}
	prev     map[string]struct{}
	capacity int
	ttl      time.Duration
	rotated  time.Time
}

// NewCache creates a cache remembering up to 2*capacity keys for about ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		cur:      make(map[string]struct{}, capacity),
		prev:     map[string]struct{}{},
		capacity: capacity,
		ttl:      ttl,
		rotated:  time.Now(),
	}
}

// Seen records the key and reports whether it was already present.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRotate(time.Now())

	if _, ok := c.cur[key]; ok {
		return true
	}
	if _, ok := c.prev[key]; ok {
		// Refresh into the current generation so hot keys survive rotation.
		c.cur[key] = struct{}{}
		return true
	}

	c.cur[key] = struct{}{}
	return false
}

// Len returns the number of remembered keys, for the ops surface.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cur) + len(c.prev)
}

func (c *Cache) maybeRotate(now time.Time) {
	if len(c.cur) < c.capacity && now.Sub(c.rotated) < c.ttl/2 {
		return
	}
	c.prev = c.cur
	c.cur = make(map[string]struct{}, c.capacity)
	c.rotated = now
}
