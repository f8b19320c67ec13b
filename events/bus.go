package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity when the caller
// passes zero.
const DefaultBuffer = 256

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event and its drop counter moves, while
// every other subscriber still receives it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Subscription is one subscriber's view of the bus. Read events from C;
// call Close when done or the bus will keep delivering.
type Subscription struct {
	C <-chan *Event

	id      uint64
	pattern string
	ch      chan *Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber for every topic the pattern covers.
// buffer <= 0 selects DefaultBuffer.
func (b *Bus) Subscribe(pattern string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan *Event, buffer)
	sub := &Subscription{C: ch, ch: ch, pattern: pattern, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !MatchTopic(sub.pattern, ev.Topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close tears down every subscription. Further publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Dropped returns how many events this subscriber has lost to a full
// buffer since subscribing.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}
