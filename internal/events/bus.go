package events

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Bus is a process-wide publish/subscribe hub. Handlers are invoked
// synchronously on the emitting goroutine, in registration order.
// Subscriptions have an explicit lifetime: the returned function removes
// the handler and must be called on component shutdown.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[int]func(*Event)
	nextID   int
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType]map[int]func(*Event)),
		log:      log.With().Str("service", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, handler func(event *Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]func(*Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// Emit delivers an event to all subscribed handlers.
// A panicking handler is logged and does not stop delivery to the rest.
func (b *Bus) Emit(event *Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[event.Type]))
	for id := range b.handlers[event.Type] {
		ids = append(ids, id)
	}
	// Subscription ids are monotonic, so ascending id order is
	// registration order.
	sort.Ints(ids)
	handlers := make([]func(*Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[event.Type][id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeInvoke(event, handler)
	}
}

func (b *Bus) safeInvoke(event *Event, handler func(*Event)) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", p).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus for subscribers.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit emits an event with typed data to the bus and logs it
func (m *Manager) Emit(module string, data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	m.bus.Emit(event)

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(event.Type)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}
