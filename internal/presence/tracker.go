// Package presence tracks which peers are currently online.
package presence

import (
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Change is the payload of presence.changed events.
type Change struct {
	// Full is set when the whole set was replaced.
	Full   bool
	UserID string
	Online bool
}

// Tracker holds the online set. Writes happen on the event loop; reads are
// safe from any goroutine.
type Tracker struct {
	mu            sync.RWMutex
	online        map[string]struct{}
	authoritative bool
	bus           *bus.Bus
}

// NewTracker creates an empty, non-authoritative tracker.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{online: make(map[string]struct{}), bus: b}
}

// ApplyFullSync replaces the online set and marks it authoritative.
func (t *Tracker) ApplyFullSync(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	t.mu.Lock()
	t.online = set
	t.authoritative = true
	t.mu.Unlock()
	t.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, Change{Full: true}))
}

// ApplyOnline adds id. It reports whether the set changed.
func (t *Tracker) ApplyOnline(id string) bool {
	t.mu.Lock()
	if _, ok := t.online[id]; ok || id == "" {
		t.mu.Unlock()
		return false
	}
	t.online[id] = struct{}{}
	t.mu.Unlock()
	t.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, Change{UserID: id, Online: true}))
	return true
}

// ApplyOffline removes id. Removing an absent id is a no-op and reports false.
func (t *Tracker) ApplyOffline(id string) bool {
	t.mu.Lock()
	if _, ok := t.online[id]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.online, id)
	t.mu.Unlock()
	t.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, Change{UserID: id, Online: false}))
	return true
}

// MarkStale keeps the current set but flags it as not authoritative. Peers
// are not assumed offline just because the local link dropped; the next full
// sync restores authority.
func (t *Tracker) MarkStale() {
	t.mu.Lock()
	t.authoritative = false
	t.mu.Unlock()
}

// Authoritative reports whether the set reflects a full sync taken on the
// current connection.
func (t *Tracker) Authoritative() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.authoritative
}

// Online returns a sorted snapshot of the online ids.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// IsOnline reports whether id is in the set.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// Reset empties the set, used when the session is torn down for good.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]struct{})
	t.authoritative = false
	t.mu.Unlock()
	t.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, Change{Full: true}))
}
