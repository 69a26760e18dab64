// Package events is the in-process pub/sub used to fan engine activity out to
// the websocket hub, the MQTT bridge and macros.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	ZoneState    = "zone_state"
	DeviceStatus = "device_status"
	LearnSession = "learn_session"
	CodeSaved    = "code_saved"
)

// Event is one published occurrence. Data holds a type-specific payload.
type Event struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id,omitempty"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for engine events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger.With("component", "events"),
	}
}

// On registers a handler for one event type and returns an unsubscribe func.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event type.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously. A panicking handler is
// recovered and logged. A zero Time is filled in.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Type])+len(b.allHandlers))
	for _, h := range b.handlers[e.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", e.Type, "panic", r)
				}
			}()
			h(e)
		}()
	}
}
