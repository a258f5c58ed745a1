// Package monitoring tracks endpoint liveness from heartbeats. Heartbeats
// update a persisted document and an in-memory registry; a periodic monitor
// nominates silent endpoints, and a reconciliation handler confirms them
// against the document before declaring them dead.
package monitoring

import (
	"context"
	"sync"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
)

// StatsObserver is notified with the aggregate counts after every change.
type StatsObserver interface {
	ObserveHeartbeatStats(ctx context.Context, stats monitoring.HeartbeatsStats)
}

// HeartbeatStatusProvider is the in-memory liveness registry. Every read
// and write is serialized under one lock.
type HeartbeatStatusProvider struct {
	mu        sync.Mutex
	endpoints []*monitoring.HeartbeatingEndpoint
	observer  StatsObserver
}

// NewHeartbeatStatusProvider creates an empty registry. observer may be nil.
func NewHeartbeatStatusProvider(observer StatsObserver) *HeartbeatStatusProvider {
	return &HeartbeatStatusProvider{observer: observer}
}

// RegisterNewEndpoint records an endpoint that is known to exist but has not
// heartbeated. A newly created entry is unmonitored until a heartbeat arrives.
func (p *HeartbeatStatusProvider) RegisterNewEndpoint(ctx context.Context, details monitoring.EndpointDetails) monitoring.HeartbeatsStats {
	return p.mutate(ctx, details, func(ep *monitoring.HeartbeatingEndpoint, created bool) {
		if created {
			ep.MonitoringDisabled = true
		}
	})
}

// RegisterHeartbeatingEndpoint marks the endpoint active.
func (p *HeartbeatStatusProvider) RegisterHeartbeatingEndpoint(ctx context.Context, details monitoring.EndpointDetails) monitoring.HeartbeatsStats {
	return p.mutate(ctx, details, func(ep *monitoring.HeartbeatingEndpoint, _ bool) {
		ep.Active = true
		ep.MonitoringDisabled = false
	})
}

// RegisterEndpointThatFailedToHeartbeat marks the endpoint inactive.
func (p *HeartbeatStatusProvider) RegisterEndpointThatFailedToHeartbeat(ctx context.Context, details monitoring.EndpointDetails) monitoring.HeartbeatsStats {
	return p.mutate(ctx, details, func(ep *monitoring.HeartbeatingEndpoint, _ bool) {
		ep.Active = false
	})
}

// EnableMonitoring includes the endpoint in the stats again.
func (p *HeartbeatStatusProvider) EnableMonitoring(ctx context.Context, details monitoring.EndpointDetails) monitoring.HeartbeatsStats {
	return p.mutate(ctx, details, func(ep *monitoring.HeartbeatingEndpoint, _ bool) {
		ep.MonitoringDisabled = false
	})
}

// DisableMonitoring excludes the endpoint from the stats.
func (p *HeartbeatStatusProvider) DisableMonitoring(ctx context.Context, details monitoring.EndpointDetails) monitoring.HeartbeatsStats {
	return p.mutate(ctx, details, func(ep *monitoring.HeartbeatingEndpoint, _ bool) {
		ep.MonitoringDisabled = true
	})
}

// Stats returns the current aggregate counts.
func (p *HeartbeatStatusProvider) Stats() monitoring.HeartbeatsStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Endpoints returns a copy of every registered endpoint.
func (p *HeartbeatStatusProvider) Endpoints() []monitoring.HeartbeatingEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]monitoring.HeartbeatingEndpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, *ep)
	}
	return out
}

func (p *HeartbeatStatusProvider) mutate(
	ctx context.Context,
	details monitoring.EndpointDetails,
	apply func(ep *monitoring.HeartbeatingEndpoint, created bool),
) monitoring.HeartbeatsStats {
	p.mu.Lock()
	ep, created := p.findOrAddLocked(details)
	apply(ep, created)
	stats := p.statsLocked()
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.ObserveHeartbeatStats(ctx, stats)
	}
	return stats
}

// findOrAddLocked applies the matching rule. With a HostID, an exact
// (HostID, Name) match wins; failing that, an entry registered without a
// HostID on the same (Host, Name) is adopted and given the HostID. Without a
// HostID, entries match on (Host, Name). Anything else is a new entry.
func (p *HeartbeatStatusProvider) findOrAddLocked(details monitoring.EndpointDetails) (*monitoring.HeartbeatingEndpoint, bool) {
	if details.HostID != "" {
		for _, ep := range p.endpoints {
			if ep.HostID == details.HostID && ep.Name == details.Name {
				return ep, false
			}
		}
		for _, ep := range p.endpoints {
			if ep.HostID == "" && ep.Host == details.Host && ep.Name == details.Name {
				ep.HostID = details.HostID
				return ep, false
			}
		}
	} else {
		for _, ep := range p.endpoints {
			if ep.Host == details.Host && ep.Name == details.Name {
				return ep, false
			}
		}
	}

	ep := &monitoring.HeartbeatingEndpoint{
		Name:   details.Name,
		Host:   details.Host,
		HostID: details.HostID,
	}
	p.endpoints = append(p.endpoints, ep)
	return ep, true
}

func (p *HeartbeatStatusProvider) statsLocked() monitoring.HeartbeatsStats {
	var s monitoring.HeartbeatsStats
	for _, ep := range p.endpoints {
		if ep.MonitoringDisabled {
			continue
		}
		if ep.Active {
			s.Active++
		} else {
			s.Dead++
		}
	}
	return s
}
