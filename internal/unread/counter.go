// Package unread keeps per-conversation unread counters.
package unread

import (
	"maps"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Change is the payload of unread.changed events. Full changes carry every
// counter in Counts; single changes carry one conversation.
type Change struct {
	Full           bool
	Counts         map[string]int
	ConversationID string
	Count          int
}

// Counter holds unread counts. Safe for concurrent use.
type Counter struct {
	mu     sync.RWMutex
	counts map[string]int
	bus    *bus.Bus
}

// NewCounter creates an empty counter.
func NewCounter(b *bus.Bus) *Counter {
	return &Counter{counts: make(map[string]int), bus: b}
}

// Increment adds one unread message to conversationID.
func (c *Counter) Increment(conversationID string) int {
	c.mu.Lock()
	c.counts[conversationID]++
	n := c.counts[conversationID]
	c.mu.Unlock()
	c.bus.Publish(bus.NewEvent(bus.KindUnreadChanged, Change{ConversationID: conversationID, Count: n}))
	return n
}

// Clear resets conversationID to zero. It reports whether anything changed.
func (c *Counter) Clear(conversationID string) bool {
	c.mu.Lock()
	_, had := c.counts[conversationID]
	delete(c.counts, conversationID)
	c.mu.Unlock()
	if had {
		c.bus.Publish(bus.NewEvent(bus.KindUnreadChanged, Change{ConversationID: conversationID}))
	}
	return had
}

// Replace makes counts the full set of counters.
func (c *Counter) Replace(counts map[string]int) {
	next := make(map[string]int, len(counts))
	for id, n := range counts {
		if n > 0 {
			next[id] = n
		}
	}
	c.mu.Lock()
	c.counts = next
	c.mu.Unlock()
	c.bus.Publish(bus.NewEvent(bus.KindUnreadChanged, Change{Full: true, Counts: maps.Clone(next)}))
}

// Get returns the count for conversationID.
func (c *Counter) Get(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[conversationID]
}

// All returns a copy of every non-zero counter.
func (c *Counter) All() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.counts)
}

// Total sums every counter.
func (c *Counter) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}
