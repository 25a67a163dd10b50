// Package bus provides the event bus that fans exchange notifications out to
// gateway connections and other observers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the event bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"` // component that produced the event
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent creates an event with a UUID and the current time. data is encoded
// as JSON so both bus implementations deliver the same bytes.
func NewEvent(eventType, source string, data any) (*Event, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", eventType, err)
		}
		raw = b
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Decode unmarshals the event data into v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.ID)
	}
	return json.Unmarshal(e.Data, v)
}

// EventHandler handles one event. Events of a subscription are delivered in
// publish order, one at a time.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes events to NATS-style subjects.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern (* and > wildcards)
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus; subscriptions stop receiving
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
