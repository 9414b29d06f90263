// Package bus provides the event bus the relay's components communicate
// over: an in-memory implementation for single-process deployments and a
// NATS-backed one for shared deployments.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Data carries the subject-specific
// payload as loosely-typed JSON.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a payload with a fresh UUID and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returning an error is logged by the bus
// but never stops the subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by both implementations.
//
// Implementations must deliver events published on one subject from one
// goroutine to any single subscriber in publish order; stream fan-out to
// connected clients depends on it.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns use
	// NATS wildcards: * matches one token, > matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription: events are balanced
	// across members of the same queue group instead of fanned out.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down, draining what it can.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}
