// Package events is the in-process broker between the execution side and
// its observers. Publishing never blocks: a subscriber that falls behind
// loses messages rather than stalling a trade, and the per-subscription
// drop counter makes that loss visible.
package events

import (
	"sync"
	"sync/atomic"
)

// Bus routes published payloads to every subscription on the same event.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Event]map[uint64]*Subscription
}

// Subscription is one listener's view of an event. Read from C; Close when
// done. C is closed on Close, so ranging over it terminates.
type Subscription struct {
	C <-chan any

	bus     *Bus
	event   Event
	id      uint64
	ch      chan any
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped reports how many payloads were discarded because this
// subscription's buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.event], s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event]map[uint64]*Subscription)}
}

// Subscribe registers a listener with the given channel buffer.
func (b *Bus) Subscribe(e Event, buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan any, buffer)
	sub := &Subscription{C: ch, bus: b, event: e, id: b.nextID, ch: ch}
	if b.subs[e] == nil {
		b.subs[e] = make(map[uint64]*Subscription)
	}
	b.subs[e][sub.id] = sub
	return sub
}

// Publish hands the payload to every subscription on the event. Slow
// subscribers are skipped, not waited on.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[e] {
		select {
		case sub.ch <- payload:
		default:
			sub.dropped.Add(1)
		}
	}
}
