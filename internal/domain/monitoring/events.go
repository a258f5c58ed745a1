package monitoring

import (
	"time"

	"github.com/ahrav/servicecontrol/internal/domain/events"
)

// Event types raised by heartbeat monitoring.
const (
	EventTypeHeartbeatingEndpointDetected  events.EventType = "HeartbeatingEndpointDetected"
	EventTypeEndpointFailedToHeartbeat     events.EventType = "EndpointFailedToHeartbeat"
	EventTypeEndpointHeartbeatRestored     events.EventType = "EndpointHeartbeatRestored"
	EventTypeMonitoringEnabledForEndpoint  events.EventType = "MonitoringEnabledForEndpoint"
	EventTypeMonitoringDisabledForEndpoint events.EventType = "MonitoringDisabledForEndpoint"
)

// HeartbeatingEndpointDetected is raised on the first heartbeat of an instance.
type HeartbeatingEndpointDetected struct {
	Endpoint   EndpointDetails `json:"endpoint"`
	DetectedAt time.Time       `json:"detected_at"`
}

func (e HeartbeatingEndpointDetected) EventType() events.EventType {
	return EventTypeHeartbeatingEndpointDetected
}
func (e HeartbeatingEndpointDetected) OccurredAt() time.Time { return e.DetectedAt }

// EndpointFailedToHeartbeat is raised when a silent instance is confirmed dead.
type EndpointFailedToHeartbeat struct {
	Endpoint       EndpointDetails `json:"endpoint"`
	LastReceivedAt time.Time       `json:"last_received_at"`
	DetectedAt     time.Time       `json:"detected_at"`
}

func (e EndpointFailedToHeartbeat) EventType() events.EventType {
	return EventTypeEndpointFailedToHeartbeat
}
func (e EndpointFailedToHeartbeat) OccurredAt() time.Time { return e.DetectedAt }

// EndpointHeartbeatRestored is raised when a dead instance heartbeats again.
type EndpointHeartbeatRestored struct {
	Endpoint   EndpointDetails `json:"endpoint"`
	RestoredAt time.Time       `json:"restored_at"`
}

func (e EndpointHeartbeatRestored) EventType() events.EventType {
	return EventTypeEndpointHeartbeatRestored
}
func (e EndpointHeartbeatRestored) OccurredAt() time.Time { return e.RestoredAt }

// MonitoringEnabledForEndpoint is raised when monitoring is switched back on.
type MonitoringEnabledForEndpoint struct {
	Endpoint EndpointDetails `json:"endpoint"`
	At       time.Time       `json:"at"`
}

func (e MonitoringEnabledForEndpoint) EventType() events.EventType {
	return EventTypeMonitoringEnabledForEndpoint
}
func (e MonitoringEnabledForEndpoint) OccurredAt() time.Time { return e.At }

// MonitoringDisabledForEndpoint is raised when monitoring is switched off.
type MonitoringDisabledForEndpoint struct {
	Endpoint EndpointDetails `json:"endpoint"`
	At       time.Time       `json:"at"`
}

func (e MonitoringDisabledForEndpoint) EventType() events.EventType {
	return EventTypeMonitoringDisabledForEndpoint
}
func (e MonitoringDisabledForEndpoint) OccurredAt() time.Time { return e.At }
