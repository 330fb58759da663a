package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
)

// DefaultEventBuffer is the channel capacity given to subscribers asking for none
const DefaultEventBuffer = 64

type subscriber struct {
	ch      chan domain.Event
	dropped int64
}

// EventBus fans state-change events out to bounded subscriber channels.
// Publish never blocks: an event for a full subscriber is dropped and counted.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	published int64
}

// NewEventBus creates an event bus with no subscribers
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel receiving future events and a func that
// unsubscribes and closes it
func (b *EventBus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan domain.Event, buffer)}
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
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers an event to every subscriber with room for it
func (b *EventBus) Publish(evt domain.Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	atomic.AddInt64(&b.published, 1)
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			atomic.AddInt64(&sub.dropped, 1)
		}
	}
}

// Dropped returns the total number of events dropped for full subscribers
func (b *EventBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total int64
	for _, sub := range b.subs {
		total += atomic.LoadInt64(&sub.dropped)
	}
	return total
}

// Close closes every subscriber channel; later publishes are ignored
func (b *EventBus) Close() {
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

// GetStats returns event bus statistics
func (b *EventBus) GetStats() map[string]interface{} {
	dropped := b.Dropped()

	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"subscribers": len(b.subs),
		"published":   atomic.LoadInt64(&b.published),
		"dropped":     dropped,
	}
}
