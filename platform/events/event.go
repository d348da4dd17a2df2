// Package events carries domain notifications between the connection
// lifecycle, ingestion, and dispatch layers and their consumers, such as the
// SSE stream. Platform layer; no business logic lives here.
package events

import (
	"context"
	"time"
)

// Event is implemented by every domain event. Event names are stable
// identifiers (e.g. "connection.status_changed") that subscribers key on.
type Event interface {
	EventName() string
	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time
}

// BaseEvent carries the occurrence timestamp; domain events embed it.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// NewBaseEvent stamps a base event with the current time.
func NewBaseEvent() BaseEvent {
	return BaseEvent{Timestamp: time.Now()}
}

// Handler processes events of one registered type.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus is the publish/subscribe contract. Connection managers, the ingestion
// pipeline, and the reply dispatcher publish; the SSE hub subscribes.
type Bus interface {
	// Publish sends an event to all handlers registered for its name.
	// Handlers run asynchronously.
	Publish(ctx context.Context, event Event)

	// PublishSync sends an event and waits for every handler to finish.
	PublishSync(ctx context.Context, event Event) error

	// Subscribe registers a handler under an event name, matching the value
	// the event's EventName returns.
	Subscribe(eventName string, handler Handler)
}
