// Package bus provides the event fan-out from the plugin core to
// presentation consumers (CLI views, notifier, mirror). Delivery is
// fire-and-forget: a slow consumer loses events, it never blocks the source.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds emitted by the coordinator.
const (
	EventTaskUpdate  = "task.update"
	EventChatMessage = "chat.message"
	EventNodeEvent   = "node.event"
)

// Event is a single fan-out notification.
type Event struct {
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	name string
	ch   chan Event
}

// Bus fans events out to any number of subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers the event to every subscriber without blocking.
// Subscribers with a full buffer miss the event.
func (b *Bus) Publish(kind string, payload any) {
	evt := Event{Kind: kind, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a consumer under a diagnostic name. A buffer of 0 or
// less defaults to 64. The returned cancel func removes the subscription and
// closes its channel; it is safe to call more than once.
func (b *Bus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{name: name, ch: make(chan Event, buffer)}
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[id] = sub
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Close tears down every subscription. Publish becomes a no-op afterwards.
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

// Subscribers returns the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events lost to full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
