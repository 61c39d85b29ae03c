package emit

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the channel capacity used by Subscribe when size <= 0.
const DefaultBufferSize = 64

// Bus is an in-process publish/subscribe hub for lifecycle events.
//
// Subscribers register independently of the coordinator and receive events
// on their own buffered channel. Publishing never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted in Dropped.
//
// Bus implements Emitter, so it can be passed wherever an Emitter is
// accepted.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*subscription
	dropped atomic.Uint64
	closed  bool
}

type subscription struct {
	ch    chan Event
	types map[Type]bool // nil = all types
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel receiving events of the given types (all types
// when none are given) and a function that cancels the subscription and
// closes the channel.
func (b *Bus) Subscribe(size int, types ...Type) (<-chan Event, func()) {
	if size <= 0 {
		size = DefaultBufferSize
	}
	sub := &subscription{ch: make(chan Event, size)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Emit publishes the event to every matching subscriber.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Later Emit calls are ignored and
// later Subscribe calls return a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
