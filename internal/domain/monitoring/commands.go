package monitoring

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ahrav/servicecontrol/internal/domain/events"
)

// Command types accepted by the monitoring handlers.
const (
	CommandTypeEndpointHeartbeat                    events.EventType = "EndpointHeartbeat"
	CommandTypeRegisterPotentiallyMissingHeartbeats events.EventType = "RegisterPotentiallyMissingHeartbeats"
	CommandTypeToggleEndpointMonitoring             events.EventType = "ToggleEndpointMonitoring"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EndpointHeartbeat is the periodic liveness signal sent by an endpoint instance.
type EndpointHeartbeat struct {
	EndpointName string    `json:"endpoint_name" validate:"required"`
	Host         string    `json:"host" validate:"required"`
	HostID       string    `json:"host_id" validate:"required"`
	ExecutedAt   time.Time `json:"executed_at" validate:"required"`
}

func (c EndpointHeartbeat) EventType() events.EventType { return CommandTypeEndpointHeartbeat }
func (c EndpointHeartbeat) OccurredAt() time.Time { return c.ExecutedAt }

// CommandID keys heartbeats by endpoint instance so they are handled in order.
func (c EndpointHeartbeat) CommandID() string { return c.Details().ID().String() }

// ValidateCommand rejects heartbeats missing the fields needed to identify
// the instance. The returned error wraps ErrInvalidHeartbeat.
func (c EndpointHeartbeat) ValidateCommand() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}
	return nil
}

// Details returns the endpoint identity carried by the heartbeat.
func (c EndpointHeartbeat) Details() EndpointDetails {
	return EndpointDetails{Name: c.EndpointName, Host: c.Host, HostID: c.HostID}
}

// RegisterPotentiallyMissingHeartbeats asks the owner of the heartbeat
// document to confirm that an endpoint has gone silent.
type RegisterPotentiallyMissingHeartbeats struct {
	EndpointInstanceID uuid.UUID `json:"endpoint_instance_id" validate:"required"`
	DetectedAt         time.Time `json:"detected_at" validate:"required"`
	LastHeartbeatAt    time.Time `json:"last_heartbeat_at"`
}

func (c RegisterPotentiallyMissingHeartbeats) EventType() events.EventType {
	return CommandTypeRegisterPotentiallyMissingHeartbeats
}
func (c RegisterPotentiallyMissingHeartbeats) OccurredAt() time.Time { return c.DetectedAt }
func (c RegisterPotentiallyMissingHeartbeats) CommandID() string {
	return c.EndpointInstanceID.String()
}

func (c RegisterPotentiallyMissingHeartbeats) ValidateCommand() error {
	if c.EndpointInstanceID == uuid.Nil {
		return errors.New("endpoint instance id is required")
	}
	return validate.Struct(c)
}

// ToggleEndpointMonitoring enables or disables liveness monitoring for an instance.
type ToggleEndpointMonitoring struct {
	EndpointInstanceID uuid.UUID `json:"endpoint_instance_id"`
	Enabled            bool      `json:"enabled"`
	Requested          time.Time `json:"requested"`
}

func (c ToggleEndpointMonitoring) EventType() events.EventType {
	return CommandTypeToggleEndpointMonitoring
}
func (c ToggleEndpointMonitoring) OccurredAt() time.Time { return c.Requested }
func (c ToggleEndpointMonitoring) CommandID() string { return c.EndpointInstanceID.String() }

func (c ToggleEndpointMonitoring) ValidateCommand() error {
	if c.EndpointInstanceID == uuid.Nil {
		return errors.New("endpoint instance id is required")
	}
	return nil
}
