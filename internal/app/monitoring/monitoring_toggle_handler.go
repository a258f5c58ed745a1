package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
	"github.com/ahrav/servicecontrol/pkg/common/timeutil"
)

// ToggleEndpointMonitoringHandler switches liveness monitoring of an
// endpoint instance on or off.
type ToggleEndpointMonitoringHandler struct {
	repo      monitoring.HeartbeatRepository
	provider  *HeartbeatStatusProvider
	monitor   *HeartbeatsMonitor
	publisher events.DomainEventPublisher

	timeProvider timeutil.Provider
	tracer       trace.Tracer
	logger       *logger.Logger
}

// NewToggleEndpointMonitoringHandler creates a ToggleEndpointMonitoringHandler.
func NewToggleEndpointMonitoringHandler(
	repo monitoring.HeartbeatRepository,
	provider *HeartbeatStatusProvider,
	monitor *HeartbeatsMonitor,
	publisher events.DomainEventPublisher,
	tracer trace.Tracer,
	logger *logger.Logger,
) *ToggleEndpointMonitoringHandler {
	return &ToggleEndpointMonitoringHandler{
		repo:         repo,
		provider:     provider,
		monitor:      monitor,
		publisher:    publisher,
		timeProvider: timeutil.Default(),
		tracer:       tracer,
		logger:       logger.With("component", "toggle_endpoint_monitoring_handler"),
	}
}

// Handle persists the new setting. Re-enabling restarts the grace period
// from now, since heartbeats were being dropped while disabled.
func (h *ToggleEndpointMonitoringHandler) Handle(ctx context.Context, cmd monitoring.ToggleEndpointMonitoring) error {
	ctx, span := h.tracer.Start(ctx, "toggle_endpoint_monitoring_handler.handle",
		trace.WithAttributes(
			attribute.String("heartbeat_id", cmd.EndpointInstanceID.String()),
			attribute.Bool("enabled", cmd.Enabled),
		))
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("invalid %s command: %w", cmd.EventType(), err)
	}

	hb, err := h.repo.LoadHeartbeat(ctx, cmd.EndpointInstanceID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load heartbeat %s: %w", cmd.EndpointInstanceID, err)
	}
	if hb == nil {
		return fmt.Errorf("%w: %s", monitoring.ErrHeartbeatNotFound, cmd.EndpointInstanceID)
	}

	if hb.Disabled == !cmd.Enabled {
		span.AddEvent("already_in_requested_state")
		return nil
	}

	hb.Disabled = !cmd.Enabled
	if err := h.repo.StoreHeartbeat(ctx, hb); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store heartbeat %s: %w", hb.ID, err)
	}

	now := h.timeProvider.Now()
	var evt events.DomainEvent
	if cmd.Enabled {
		h.provider.EnableMonitoring(ctx, hb.EndpointDetails)
		if hb.ReportedStatus == monitoring.StatusBeating {
			h.monitor.RecordHeartbeat(hb.ID, hb.EndpointDetails, now)
		}
		evt = monitoring.MonitoringEnabledForEndpoint{Endpoint: hb.EndpointDetails, At: now}
	} else {
		h.provider.DisableMonitoring(ctx, hb.EndpointDetails)
		h.monitor.Forget(hb.ID)
		evt = monitoring.MonitoringDisabledForEndpoint{Endpoint: hb.EndpointDetails, At: now}
	}

	if err := h.publisher.PublishDomainEvent(ctx, evt, events.WithKey(hb.ID.String())); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish %s: %w", evt.EventType(), err)
	}

	h.logger.Info(ctx, "Endpoint monitoring toggled",
		"endpoint", hb.EndpointDetails.Name,
		"host", hb.EndpointDetails.Host,
		"enabled", cmd.Enabled,
	)
	return nil
}
