package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/servicecontrol/internal/domain/events"
)

// ErrUnexpectedPayload is returned when an envelope carries a payload of a
// different type than its registered command.
var ErrUnexpectedPayload = errors.New("unexpected command payload")

// ErrInvalidCommand wraps validation failures. Invalid commands are
// acknowledged so they are not redelivered.
var ErrInvalidCommand = errors.New("invalid command")

// Registrar accepts envelope handlers by type.
type Registrar interface {
	RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) error
}

// HandlerFor adapts a typed command handler to an envelope handler. The
// envelope is acknowledged once handle returns, with its error.
func HandlerFor[C Command](handle func(ctx context.Context, cmd C) error) events.HandlerFunc {
	return func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
		cmd, ok := evt.Payload.(C)
		if !ok {
			ack(nil)
			return fmt.Errorf("%w: %s carries %T", ErrUnexpectedPayload, evt.Type, evt.Payload)
		}

		if err := cmd.ValidateCommand(); err != nil {
			ack(nil)
			return fmt.Errorf("%w %s (%s): %w", ErrInvalidCommand, evt.Type, cmd.CommandID(), err)
		}

		err := handle(ctx, cmd)
		ack(err)
		return err
	}
}

// Register routes envelopes of eventType to handle.
func Register[C Command](ctx context.Context, r Registrar, eventType events.EventType, handle func(ctx context.Context, cmd C) error) error {
	if err := r.RegisterHandler(ctx, eventType, HandlerFor(handle)); err != nil {
		return fmt.Errorf("failed to register %s handler: %w", eventType, err)
	}
	return nil
}
