package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
)

// PotentiallyMissingHeartbeatsHandler confirms or discards a nomination from
// the monitor by re-reading the persisted heartbeat.
type PotentiallyMissingHeartbeatsHandler struct {
	repo      monitoring.HeartbeatRepository
	provider  *HeartbeatStatusProvider
	monitor   *HeartbeatsMonitor
	publisher events.DomainEventPublisher
	metrics   HeartbeatMetrics

	tracer trace.Tracer
	logger *logger.Logger
}

// NewPotentiallyMissingHeartbeatsHandler creates a PotentiallyMissingHeartbeatsHandler.
func NewPotentiallyMissingHeartbeatsHandler(
	repo monitoring.HeartbeatRepository,
	provider *HeartbeatStatusProvider,
	monitor *HeartbeatsMonitor,
	publisher events.DomainEventPublisher,
	metrics HeartbeatMetrics,
	tracer trace.Tracer,
	logger *logger.Logger,
) *PotentiallyMissingHeartbeatsHandler {
	return &PotentiallyMissingHeartbeatsHandler{
		repo:      repo,
		provider:  provider,
		monitor:   monitor,
		publisher: publisher,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With("component", "potentially_missing_heartbeats_handler"),
	}
}

// Handle marks the endpoint dead unless a newer heartbeat has been stored
// since the nomination, the endpoint is already dead, or it is unmonitored.
func (h *PotentiallyMissingHeartbeatsHandler) Handle(ctx context.Context, cmd monitoring.RegisterPotentiallyMissingHeartbeats) error {
	ctx, span := h.tracer.Start(ctx, "potentially_missing_heartbeats_handler.handle",
		trace.WithAttributes(
			attribute.String("heartbeat_id", cmd.EndpointInstanceID.String()),
		))
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("invalid %s command: %w", cmd.EventType(), err)
	}
	logr := h.logger.With("heartbeat_id", cmd.EndpointInstanceID.String())

	hb, err := h.repo.LoadHeartbeat(ctx, cmd.EndpointInstanceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load heartbeat")
		return fmt.Errorf("failed to load heartbeat %s: %w", cmd.EndpointInstanceID, err)
	}

	switch {
	case hb == nil:
		logr.Debug(ctx, "No heartbeat stored for endpoint, ignoring")
		return nil
	case hb.Disabled:
		logr.Debug(ctx, "Monitoring disabled for endpoint, ignoring")
		return nil
	case hb.ReportedStatus == monitoring.StatusDead:
		logr.Debug(ctx, "Endpoint already marked dead")
		return nil
	case hb.LastReportAt.After(cmd.LastHeartbeatAt):
		logr.Debug(ctx, "Newer heartbeat received since detection, ignoring",
			"last_report_at", hb.LastReportAt,
			"detected_with", cmd.LastHeartbeatAt,
		)
		span.AddEvent("superseded_by_heartbeat")
		return nil
	}

	// Persist first: a heartbeat stored concurrently makes this write
	// conflict, and the redelivered nomination is then discarded instead of
	// raising a false alarm.
	hb.ReportedStatus = monitoring.StatusDead
	if err := h.repo.StoreHeartbeat(ctx, hb); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store heartbeat")
		return fmt.Errorf("failed to store heartbeat %s: %w", hb.ID, err)
	}

	h.provider.RegisterEndpointThatFailedToHeartbeat(ctx, hb.EndpointDetails)
	h.monitor.Forget(hb.ID)

	if err := h.publisher.PublishDomainEvent(ctx, monitoring.EndpointFailedToHeartbeat{
		Endpoint:       hb.EndpointDetails,
		LastReceivedAt: hb.LastReportAt,
		DetectedAt:     cmd.DetectedAt,
	}, events.WithKey(hb.ID.String())); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish %s: %w", monitoring.EventTypeEndpointFailedToHeartbeat, err)
	}
	h.metrics.IncEndpointsFailed(ctx)

	logr.Warn(ctx, "Endpoint failed to heartbeat",
		"endpoint", hb.EndpointDetails.Name,
		"host", hb.EndpointDetails.Host,
		"last_report_at", hb.LastReportAt,
	)
	span.SetStatus(codes.Ok, "endpoint marked dead")
	return nil
}
