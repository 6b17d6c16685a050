// Package events carries sync progress from the orchestrator to subscribers
// such as the websocket feed and the metrics collectors.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives an event. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(event *Event)

type subscription struct {
	id      uint64
	types   map[EventType]bool // nil means every type
	handler Handler
}

// Bus is an in-process publish/subscribe hub
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	now    func() time.Time
	log    zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		now: time.Now,
		log: log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers handler for the given types, or for all types when none
// are given. The returned function removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: filter, handler: handler})
	b.mu.Unlock()

	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit publishes data under its own event type. A nil bus is a no-op.
func (b *Bus) Emit(module string, data EventData) {
	if b == nil || data == nil {
		return
	}
	event := &Event{
		Type:      data.EventType(),
		Timestamp: b.now(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[event.Type] {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	b.log.Debug().Str("event_type", string(event.Type)).Int("handlers", len(handlers)).Msg("Emitting event")
	for _, h := range handlers {
		h(event)
	}
}
