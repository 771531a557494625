package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	HubConnected    = "hub.connected"
	HubDisconnected = "hub.disconnected"
	HubReconnecting = "hub.reconnecting"
	MessageReceived = "message.received"
	ReplySent       = "reply.sent"
	LogEntry        = "log.entry"
)

// subscriberBuffer is the per-subscriber channel depth. Publishing never
// blocks; a subscriber that falls this far behind starts losing events.
const subscriberBuffer = 64

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// filter is the set of event types a subscriber wants. A nil filter
// matches everything.
type filter map[string]bool

func newFilter(types []string) filter {
	if len(types) == 0 {
		return nil
	}
	f := make(filter, len(types))
	for _, t := range types {
		f[t] = true
	}
	return f
}

func (f filter) wants(eventType string) bool {
	return f == nil || f[eventType]
}

// Bus fans events out to subscribers. It decouples the agent loop from
// whatever is watching it: the dashboard subscribes, nothing else has to.
type Bus struct {
	mu        sync.RWMutex
	listeners map[chan Event]filter
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[chan Event]filter)}
}

// Subscribe registers a new subscriber for the given event types, or for
// every event when none are named. The returned channel stays open until
// Unsubscribe or Close.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.listeners[ch] = newFilter(types)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[ch]; ok {
		delete(b.listeners, ch)
		close(ch)
	}
}

// Publish delivers an event to every subscriber whose filter matches.
// Delivery is best-effort: a full subscriber buffer drops the event for
// that subscriber only.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, f := range b.listeners {
		if !f.wants(e.Type) {
			continue
		}
		select {
		case ch <- e:
		default:
			// subscriber buffer full, drop
		}
	}
}

// PublishType marshals data and publishes it under the given event type.
func (b *Bus) PublishType(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{Type: eventType, Timestamp: time.Now(), Data: raw})
}

// Close drops all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		close(ch)
		delete(b.listeners, ch)
	}
}
