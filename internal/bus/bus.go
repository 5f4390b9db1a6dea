package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It is how callers (gRPC watchers, the store journal) observe state changes
// made on the event loop without touching component state directly.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped map[string]uint64
}

type subscription struct {
	namespaces []string
	key        string
	ch         chan Event
}

func (s *subscription) matches(kind string) bool {
	for _, ns := range s.namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[int]*subscription),
		dropped: make(map[string]uint64),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
// Publishing never blocks: a subscriber with a full buffer misses the event.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	var missed []string
	for _, sub := range b.subs {
		if sub.matches(evt.Kind) {
			select {
			case sub.ch <- evt:
			default:
				missed = append(missed, sub.key)
			}
		}
	}
	b.mu.RUnlock()

	if len(missed) > 0 {
		b.mu.Lock()
		for _, ns := range missed {
			b.dropped[ns]++
		}
		b.mu.Unlock()
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
// The unsubscribe function is safe to call more than once.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeAll(bufSize, namespace)
}

// SubscribeAll is Subscribe for several namespaces sharing one channel, so
// events of different namespaces arrive in the order they were published.
// Drops are counted under the namespaces joined with ",".
func (b *Bus) SubscribeAll(bufSize int, namespaces ...string) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespaces: namespaces, key: strings.Join(namespaces, ","), ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many events subscribers of namespace missed because
// their buffer was full.
func (b *Bus) Dropped(namespace string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[namespace]
}
