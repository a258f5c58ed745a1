package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
	"github.com/ahrav/servicecontrol/pkg/common/timeutil"
)

const (
	DefaultScanInterval = 5 * time.Second
	DefaultGracePeriod  = 40 * time.Second
)

// MonitorConfig tunes the missing-heartbeat scan.
type MonitorConfig struct {
	ScanInterval time.Duration
	GracePeriod  time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return c
}

type trackedEndpoint struct {
	details         monitoring.EndpointDetails
	lastHeartbeatAt time.Time
}

// HeartbeatsMonitor tracks the last heartbeat of every active endpoint and
// periodically nominates the ones that have been silent longer than the
// grace period. A nomination is a RegisterPotentiallyMissingHeartbeats
// command, confirmed or discarded by PotentiallyMissingHeartbeatsHandler.
type HeartbeatsMonitor struct {
	publisher events.DomainEventPublisher
	metrics   HeartbeatMetrics
	cfg       MonitorConfig

	mu      sync.Mutex
	tracked map[uuid.UUID]trackedEndpoint

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	timeProvider timeutil.Provider
	tracer       trace.Tracer
	logger       *logger.Logger
}

// NewHeartbeatsMonitor creates a stopped monitor.
func NewHeartbeatsMonitor(
	publisher events.DomainEventPublisher,
	metrics HeartbeatMetrics,
	cfg MonitorConfig,
	tracer trace.Tracer,
	logger *logger.Logger,
) *HeartbeatsMonitor {
	return &HeartbeatsMonitor{
		publisher:    publisher,
		metrics:      metrics,
		cfg:          cfg.withDefaults(),
		tracked:      make(map[uuid.UUID]trackedEndpoint),
		timeProvider: timeutil.Default(),
		tracer:       tracer,
		logger:       logger.With("component", "heartbeats_monitor"),
	}
}

// RecordHeartbeat starts or refreshes tracking of an endpoint. Older
// timestamps never move the tracked time backwards.
func (m *HeartbeatsMonitor) RecordHeartbeat(id uuid.UUID, details monitoring.EndpointDetails, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tracked[id]; ok && !at.After(cur.lastHeartbeatAt) {
		return
	}
	m.tracked[id] = trackedEndpoint{details: details, lastHeartbeatAt: at}
}

// Forget stops tracking an endpoint.
func (m *HeartbeatsMonitor) Forget(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, id)
}

// Tracked reports whether an endpoint is being watched.
func (m *HeartbeatsMonitor) Tracked(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[id]
	return ok
}

// Start launches the scan loop. Scans run one at a time on a single
// goroutine until ctx is canceled or Stop is called. Starting a running
// monitor is a no-op.
func (m *HeartbeatsMonitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.logger.Info(ctx, "Heartbeats monitor started",
		"interval", m.cfg.ScanInterval.String(),
		"grace_period", m.cfg.GracePeriod.String(),
	)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkForMissingHeartbeats(ctx)
			}
		}
	}(m.done)
}

// Stop ends the scan loop and waits for an in-flight scan to finish.
func (m *HeartbeatsMonitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
}

// checkForMissingHeartbeats nominates every tracked endpoint whose last
// heartbeat is older than the grace period. An endpoint stops being tracked
// once its nomination is published; a later heartbeat tracks it again.
func (m *HeartbeatsMonitor) checkForMissingHeartbeats(ctx context.Context) {
	now := m.timeProvider.Now()
	ctx, span := m.tracer.Start(ctx, "heartbeats_monitor.check_for_missing_heartbeats",
		trace.WithAttributes(
			attribute.String("grace_period", m.cfg.GracePeriod.String()),
			attribute.String("now", now.Format(time.RFC3339)),
		))
	defer span.End()

	cutoff := now.Add(-m.cfg.GracePeriod)

	type candidate struct {
		id uuid.UUID
		trackedEndpoint
	}
	var overdue []candidate

	m.mu.Lock()
	for id, ep := range m.tracked {
		if ep.lastHeartbeatAt.Before(cutoff) {
			overdue = append(overdue, candidate{id: id, trackedEndpoint: ep})
		}
	}
	m.mu.Unlock()
	span.SetAttributes(attribute.Int("overdue_count", len(overdue)))

	for _, c := range overdue {
		cmd := monitoring.RegisterPotentiallyMissingHeartbeats{
			EndpointInstanceID: c.id,
			DetectedAt:         now,
			LastHeartbeatAt:    c.lastHeartbeatAt,
		}
		if err := m.publisher.PublishDomainEvent(ctx, cmd, events.WithKey(c.id.String())); err != nil {
			span.RecordError(err)
			m.logger.Error(ctx, "Failed to nominate endpoint as potentially missing",
				"endpoint", c.details.Name,
				"host", c.details.Host,
				"error", err,
			)
			continue
		}

		m.logger.Debug(ctx, "Endpoint potentially missing",
			"endpoint", c.details.Name,
			"host", c.details.Host,
			"last_heartbeat_at", c.lastHeartbeatAt,
		)
		m.metrics.IncMissingCandidates(ctx)

		m.mu.Lock()
		if cur, ok := m.tracked[c.id]; ok && cur.lastHeartbeatAt.Equal(c.lastHeartbeatAt) {
			delete(m.tracked, c.id)
		}
		m.mu.Unlock()
	}

	span.SetStatus(codes.Ok, "scan complete")
}
