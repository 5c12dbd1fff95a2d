// Package mevent is the in-process event bus every runtime component
// publishes on. Delivery is synchronous and ordered per publisher; no order
// is guaranteed across publishers.
package mevent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metadata identifies one published event.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Event is the envelope carried on the bus. Payload is a per-type struct
// declared beside the emitter.
type Event struct {
	Type     string   `json:"type"`
	Payload  any      `json:"payload"`
	Metadata Metadata `json:"metadata"`
}

// Handler consumes events of the types it subscribed to.
type Handler func(Event)

// Bus is a process-local pub/sub hub with a bounded replay history.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]Handler
	anyHandlers []Handler
	history     []Event
	historyCap  int
	correlation string
}

// NewBus creates a Bus retaining at most historyCap recent events.
func NewBus(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = 1024
	}

	return &Bus{
		subscribers: make(map[string][]Handler),
		historyCap:  historyCap,
	}
}

// WithCorrelationID stamps every subsequently published event with the given
// correlation ID. Typically set once per run.
func (b *Bus) WithCorrelationID(id string) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.correlation = id

	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.anyHandlers = append(b.anyHandlers, handler)
}

// Publish delivers the event synchronously to all matching handlers, in
// subscription order. Handlers run under the bus lock, which is what makes
// per-publisher ordering hold; handlers must not publish re-entrantly.
func (b *Bus) Publish(eventType string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	evt := Event{
		Type:    eventType,
		Payload: payload,
		Metadata: Metadata{
			Timestamp:     time.Now(),
			ID:            uuid.New().String(),
			CorrelationID: b.correlation,
		},
	}

	b.history = append(b.history, evt)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}

	for _, h := range b.subscribers[eventType] {
		h(evt)
	}

	for _, h := range b.anyHandlers {
		h(evt)
	}

	return evt
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, len(b.history))
	copy(out, b.history)

	return out
}

// HistoryByType returns retained events of one type, oldest first.
func (b *Bus) HistoryByType(eventType string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event

	for _, evt := range b.history {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}

	return out
}
