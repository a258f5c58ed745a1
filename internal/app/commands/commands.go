package commands

import "github.com/ahrav/servicecontrol/internal/domain/events"

// Command is a domain event that requests work. CommandID identifies the
// request in logs and errors.
type Command interface {
	events.DomainEvent
	CommandID() string
	ValidateCommand() error
}
