// Package bus is the in-process event fabric between the transport, the sync
// engine and the call session. Subscriptions are keyed by kind: either an
// exact list of kinds or a namespace prefix. Publishing never blocks; a full
// subscriber buffer drops the event.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	kinds  map[string]struct{}
	ch     chan Event
}

func (s *subscription) matches(kind string) bool {
	if s.kinds != nil {
		_, ok := s.kinds[kind]
		return ok
	}
	return strings.HasPrefix(kind, s.prefix)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.matches(evt.Kind) {
			select {
			case sub.ch <- evt:
			default:
				// Slow subscriber: drop rather than stall the publisher.
			}
		}
	}
}

// Subscribe registers for all kinds sharing the given prefix. Returns the
// delivery channel and an unsubscribe function; the caller owns the
// subscription lifetime.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	return b.add(&subscription{prefix: prefix, ch: make(chan Event, bufSize)})
}

// SubscribeKinds registers for an exact set of kinds. Used by consumers that
// dispatch on specific packet kinds rather than a whole namespace.
func (b *Bus) SubscribeKinds(bufSize int, kinds ...string) (<-chan Event, func()) {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return b.add(&subscription{kinds: set, ch: make(chan Event, bufSize)})
}

func (b *Bus) add(sub *subscription) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
