// Package serialization translates domain events and commands to and from
// their wire format. Every envelope is a protobuf Struct holding the event
// type and the payload fields, so consumers can route on the type before
// decoding the payload into its registered Go type.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
)

const (
	fieldEventType = "event_type"
	fieldPayload   = "payload"
)

// ErrUnknownEventType is returned for an event type with no registered decoder.
var ErrUnknownEventType = errors.New("no deserializer registered for event type")

// ErrMalformedEnvelope is returned when the wire bytes are not an envelope.
var ErrMalformedEnvelope = errors.New("malformed event envelope")

// DeserializeFunc decodes payload fields into a domain event.
type DeserializeFunc func(fields map[string]any) (events.DomainEvent, error)

var (
	mu                   sync.RWMutex
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterDeserializeFunc registers the decoder for an event type, replacing
// any previous one.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	deserializerRegistry[eventType] = fn
}

// Register decodes envelopes of the given types into T.
func Register[T events.DomainEvent](eventTypes ...events.EventType) {
	for _, et := range eventTypes {
		RegisterDeserializeFunc(et, decodeInto[T])
	}
}

func decodeInto[T events.DomainEvent](fields map[string]any) (events.DomainEvent, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SerializeEventEnvelope encodes a domain event and its type.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("nil payload for event type %s", eventType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%s payload is not an object: %w", eventType, err)
	}

	envelope, err := structpb.NewStruct(map[string]any{
		fieldEventType: string(eventType),
		fieldPayload:   fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s envelope: %w", eventType, err)
	}
	return proto.Marshal(envelope)
}

// DeserializeEventEnvelope decodes wire bytes into the event type and the
// registered domain value.
func DeserializeEventEnvelope(data []byte) (events.EventType, events.DomainEvent, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	typeValue, ok := envelope.GetFields()[fieldEventType]
	if !ok || typeValue.GetStringValue() == "" {
		return "", nil, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, fieldEventType)
	}
	eventType := events.EventType(typeValue.GetStringValue())

	payload := envelope.GetFields()[fieldPayload].GetStructValue()
	if payload == nil {
		return eventType, nil, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, fieldPayload)
	}

	mu.RLock()
	fn, ok := deserializerRegistry[eventType]
	mu.RUnlock()
	if !ok {
		return eventType, nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	evt, err := fn(payload.AsMap())
	if err != nil {
		return eventType, nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
	}
	return eventType, evt, nil
}

func init() { registerDomainTypes() }

func registerDomainTypes() {
	// Recoverability commands.
	Register[recoverability.ArchiveAllInGroup](recoverability.CommandTypeArchiveAllInGroup)
	Register[recoverability.UnarchiveAllInGroup](recoverability.CommandTypeUnarchiveAllInGroup)

	// Recoverability events.
	Register[recoverability.OperationStarting](
		recoverability.EventTypeArchiveOperationStarting, recoverability.EventTypeUnarchiveOperationStarting)
	Register[recoverability.OperationBatchCompleted](
		recoverability.EventTypeArchiveOperationBatchCompleted, recoverability.EventTypeUnarchiveOperationBatchCompleted)
	Register[recoverability.OperationFinalizing](
		recoverability.EventTypeArchiveOperationFinalizing, recoverability.EventTypeUnarchiveOperationFinalizing)
	Register[recoverability.OperationCompleted](
		recoverability.EventTypeArchiveOperationCompleted, recoverability.EventTypeUnarchiveOperationCompleted)
	Register[recoverability.FailedMessageGroupArchived](recoverability.EventTypeFailedMessageGroupArchived)
	Register[recoverability.FailedMessageGroupUnarchived](recoverability.EventTypeFailedMessageGroupUnarchived)
	Register[recoverability.FailedMessageGroupBatchUnarchived](recoverability.EventTypeFailedMessageGroupBatchUnarchived)

	// Monitoring commands.
	Register[monitoring.EndpointHeartbeat](monitoring.CommandTypeEndpointHeartbeat)
	Register[monitoring.RegisterPotentiallyMissingHeartbeats](monitoring.CommandTypeRegisterPotentiallyMissingHeartbeats)
	Register[monitoring.ToggleEndpointMonitoring](monitoring.CommandTypeToggleEndpointMonitoring)

	// Monitoring events.
	Register[monitoring.HeartbeatingEndpointDetected](monitoring.EventTypeHeartbeatingEndpointDetected)
	Register[monitoring.EndpointFailedToHeartbeat](monitoring.EventTypeEndpointFailedToHeartbeat)
	Register[monitoring.EndpointHeartbeatRestored](monitoring.EventTypeEndpointHeartbeatRestored)
	Register[monitoring.MonitoringEnabledForEndpoint](monitoring.EventTypeMonitoringEnabledForEndpoint)
	Register[monitoring.MonitoringDisabledForEndpoint](monitoring.EventTypeMonitoringDisabledForEndpoint)
}
