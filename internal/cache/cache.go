// Package cache implements the bounded message-id cache used for dedup.
package cache

import (
	"sync"

	"github.com/SWAI-Ltd/relaymesh/internal/proto"
)

const DefaultCapacity = 5000

// MessageCache maps message id to message, evicting by insertion order.
// When an insert pushes it over capacity it trims down to 90% of capacity
// in one pass rather than one entry per insert.
type MessageCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*proto.Message
	order    []string
}

func New(capacity int) *MessageCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MessageCache{
		capacity: capacity,
		entries:  make(map[string]*proto.Message, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Has reports whether id was inserted and not yet evicted.
func (c *MessageCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *MessageCache) Get(id string) (*proto.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[id]
	return m, ok
}

// Insert stores m under m.ID. It returns false if the id was already
// present, in which case the cache is unchanged.
func (c *MessageCache) Insert(m *proto.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[m.ID]; ok {
		return false
	}
	c.entries[m.ID] = m
	c.order = append(c.order, m.ID)
	if len(c.order) > c.capacity {
		c.evictLocked()
	}
	return true
}

func (c *MessageCache) evictLocked() {
	keep := c.capacity * 9 / 10
	if keep < 1 {
		keep = 1
	}
	n := len(c.order) - keep
	for _, id := range c.order[:n] {
		delete(c.entries, id)
	}
	// copy so the evicted prefix does not pin the backing array
	rest := make([]string, keep, c.capacity+1)
	copy(rest, c.order[n:])
	c.order = rest
}

func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MessageCache) Capacity() int { return c.capacity }
