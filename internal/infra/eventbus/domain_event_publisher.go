// Package eventbus holds the transport-neutral pieces shared by the event bus
// implementations.
package eventbus

import (
	"context"

	"github.com/ahrav/servicecontrol/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher adapts domain events to envelopes on an EventBus.
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher creates a publisher that distributes domain events
// through bus.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus}
}

// PublishDomainEvent wraps event in an envelope stamped with its type and
// timestamp. Commands are keyed by their CommandID unless a key is given.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	params := events.ApplyOptions(opts)
	if params.Key == "" {
		if keyed, ok := event.(interface{ CommandID() string }); ok {
			opts = append(opts, events.WithKey(keyed.CommandID()))
		}
	}

	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	return pub.eventBus.Publish(ctx, evt, opts...)
}
