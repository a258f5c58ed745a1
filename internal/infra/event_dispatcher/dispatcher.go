// Package eventdispatcher routes consumed envelopes to the single handler
// registered for their type.
package eventdispatcher

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
)

// Dispatcher manages event handlers and dispatches envelopes to them. Each
// event type has exactly one handler.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New(tracer, logger)
//	if err := dispatcher.RegisterHandler(ctx, recoverability.CommandTypeArchiveAllInGroup, archiveFn); err != nil {
//		return err
//	}
//	err := dispatcher.Dispatch(ctx, envelope, ack)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs a Dispatcher with an empty registry.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// HandlerAlreadyRegisteredError is returned when a second handler is
// registered for an event type.
type HandlerAlreadyRegisteredError struct {
	EventType events.EventType
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for event type: %s", e.EventType)
}

// RegisterHandler associates a handler with an event type. It is safe to
// call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) error {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(
			attribute.String("event_type", string(eventType)),
		),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[eventType]; exists {
		err := &HandlerAlreadyRegisteredError{EventType: eventType}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	d.handlers[eventType] = handler
	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
	span.SetStatus(codes.Ok, "handler registered")
	return nil
}

// RegisterEventHandler registers h for every type it supports. Nothing is
// registered if any of those types is already taken.
func (d *Dispatcher) RegisterEventHandler(ctx context.Context, h events.EventHandler) error {
	supported := h.SupportedEvents()

	d.mu.RLock()
	for _, et := range supported {
		if _, exists := d.handlers[et]; exists {
			d.mu.RUnlock()
			return &HandlerAlreadyRegisteredError{EventType: et}
		}
	}
	d.mu.RUnlock()

	for _, et := range supported {
		if err := d.RegisterHandler(ctx, et, h.HandleEvent); err != nil {
			return err
		}
	}
	return nil
}

// EventTypes returns the registered event types in sorted order. Transports
// use it to build their subscriptions.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]events.EventType, 0, len(d.handlers))
	for et := range d.handlers {
		types = append(types, et)
	}
	slices.Sort(types)
	return types
}

// HandlerNotFoundError indicates no handler is registered for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
	Partition int32
	Offset    int64
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (partition: %d, offset: %d)",
		e.EventType, e.Partition, e.Offset)
}

// Dispatch hands the envelope to its registered handler. The handler's error
// is returned wrapped; a missing handler is a *HandlerNotFoundError.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	logr := logger.NewLoggerContext(d.logger.With("operation", "dispatch",
		"event_type", evt.Type,
		"key", evt.Key,
		"partition", evt.Metadata.Partition,
		"offset", evt.Metadata.Offset,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("key", evt.Key),
			attribute.Int("partition", int(evt.Metadata.Partition)),
			attribute.Int64("offset", evt.Metadata.Offset),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{
			EventType: evt.Type,
			Partition: evt.Metadata.Partition,
			Offset:    evt.Metadata.Offset,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, evt, ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logr.Add("error", err)
		logr.Debug(ctx, "event handler failed")
		return fmt.Errorf("failed to dispatch event with type %s: %w", evt.Type, err)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	logr.Debug(ctx, "event dispatched successfully")
	return nil
}
