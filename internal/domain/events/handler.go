package events

import "context"

// AckFunc acknowledges (err == nil) or rejects an envelope once its handler
// has finished. Transports use it to decide whether the message is redelivered.
type AckFunc func(err error)

// HandlerFunc processes a single envelope.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventHandler defines the contract for components that process domain events.
// Each handler must declare which event types it can process and implement the
// logic to handle those events.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
