package events

import "time"

// DomainEvent is implemented by every event and command that flows through the
// system. The type drives routing and the timestamp drives ordering checks.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope encapsulates event data flowing across the bus, providing a
// standardized format for event processing and distribution.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business identifier
	// like a group id or endpoint instance id that events can be partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on the EventType.
	Payload any

	// Metadata describes where the envelope was read from, when it came off a log.
	Metadata EventMetadata
}

// EventMetadata carries transport position information for a consumed envelope.
type EventMetadata struct {
	Partition int32
	Offset    int64
}
