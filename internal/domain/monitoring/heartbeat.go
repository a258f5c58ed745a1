// Package monitoring models endpoint liveness: the persisted heartbeat
// document for each endpoint instance, the commands that feed it, and the
// events raised when an instance appears, goes silent or comes back.
package monitoring

import (
	"time"

	"github.com/google/uuid"
)

// Status is the liveness recorded on a heartbeat document.
type Status string

const (
	// StatusNew marks an endpoint known to exist that has not heartbeated yet.
	StatusNew     Status = "New"
	StatusBeating Status = "Beating"
	StatusDead    Status = "Dead"
)

func (s Status) String() string { return string(s) }

// EndpointDetails identifies an endpoint instance.
type EndpointDetails struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	HostID string `json:"host_id"`
}

// heartbeatNamespace scopes the deterministic heartbeat ids.
var heartbeatNamespace = uuid.MustParse("7a6f7c0e-5b1d-4c53-9d0a-3f1c2b8e6d41")

// HeartbeatID derives the stable document id for an endpoint instance, so
// every instance of the service computes the same key without coordination.
// A NUL separates the parts so ("Sales1", "23") and ("Sales", "123") differ.
func HeartbeatID(name, hostID string) uuid.UUID {
	return uuid.NewSHA1(heartbeatNamespace, []byte(name+"\x00"+hostID))
}

// ID returns the heartbeat id for these details.
func (d EndpointDetails) ID() uuid.UUID { return HeartbeatID(d.Name, d.HostID) }

// Heartbeat is the persisted liveness document of an endpoint instance.
type Heartbeat struct {
	ID              uuid.UUID
	LastReportAt    time.Time
	EndpointDetails EndpointDetails
	ReportedStatus  Status
	Disabled        bool

	// Version is the optimistic concurrency token; zero means not yet stored.
	Version int64
}

// NewHeartbeat creates an unsaved heartbeat document for the endpoint.
func NewHeartbeat(details EndpointDetails, status Status) *Heartbeat {
	return &Heartbeat{
		ID:              details.ID(),
		EndpointDetails: details,
		ReportedStatus:  status,
	}
}

// IsNew reports whether the document has never been persisted.
func (h *Heartbeat) IsNew() bool { return h.Version == 0 }

// Accept records a heartbeat executed at executedAt. It returns false when
// the heartbeat is not newer than the last one accepted.
func (h *Heartbeat) Accept(details EndpointDetails, executedAt time.Time) bool {
	if !executedAt.After(h.LastReportAt) {
		return false
	}
	h.LastReportAt = executedAt
	h.EndpointDetails = details
	return true
}

// Clone returns an independent copy.
func (h *Heartbeat) Clone() *Heartbeat {
	c := *h
	return &c
}

// HeartbeatingEndpoint is the in-memory liveness view of an endpoint.
type HeartbeatingEndpoint struct {
	Name               string
	Host               string
	HostID             string
	Active             bool
	MonitoringDisabled bool
}

// HeartbeatsStats counts monitored endpoints by liveness. Endpoints with
// monitoring disabled are in neither count.
type HeartbeatsStats struct {
	Active int
	Dead   int
}
