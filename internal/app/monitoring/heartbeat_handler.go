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

// EndpointHeartbeatHandler ingests heartbeats into the persisted document,
// the status provider and the monitor.
type EndpointHeartbeatHandler struct {
	repo      monitoring.HeartbeatRepository
	provider  *HeartbeatStatusProvider
	monitor   *HeartbeatsMonitor
	publisher events.DomainEventPublisher
	metrics   HeartbeatMetrics

	tracer trace.Tracer
	logger *logger.Logger
}

// NewEndpointHeartbeatHandler creates an EndpointHeartbeatHandler.
func NewEndpointHeartbeatHandler(
	repo monitoring.HeartbeatRepository,
	provider *HeartbeatStatusProvider,
	monitor *HeartbeatsMonitor,
	publisher events.DomainEventPublisher,
	metrics HeartbeatMetrics,
	tracer trace.Tracer,
	logger *logger.Logger,
) *EndpointHeartbeatHandler {
	return &EndpointHeartbeatHandler{
		repo:      repo,
		provider:  provider,
		monitor:   monitor,
		publisher: publisher,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With("component", "endpoint_heartbeat_handler"),
	}
}

// Handle applies one heartbeat. A heartbeat without identity fields is
// rejected with ErrInvalidHeartbeat. Heartbeats for disabled endpoints and
// heartbeats not newer than the last accepted one are dropped.
func (h *EndpointHeartbeatHandler) Handle(ctx context.Context, cmd monitoring.EndpointHeartbeat) error {
	ctx, span := h.tracer.Start(ctx, "endpoint_heartbeat_handler.handle",
		trace.WithAttributes(
			attribute.String("endpoint", cmd.EndpointName),
			attribute.String("host", cmd.Host),
			attribute.String("host_id", cmd.HostID),
		))
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid heartbeat")
		return err
	}

	details := cmd.Details()
	id := details.ID()
	logr := h.logger.With("endpoint", details.Name, "host", details.Host, "heartbeat_id", id.String())

	hb, err := h.repo.LoadHeartbeat(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load heartbeat")
		return fmt.Errorf("failed to load heartbeat %s: %w", id, err)
	}

	if hb != nil && hb.Disabled {
		h.metrics.IncHeartbeatsDropped(ctx, dropReasonDisabled)
		span.AddEvent("monitoring_disabled")
		return nil
	}

	firstHeartbeat := hb == nil || hb.ReportedStatus == monitoring.StatusNew
	if hb == nil {
		hb = monitoring.NewHeartbeat(details, monitoring.StatusBeating)
	}

	if !hb.Accept(details, cmd.ExecutedAt) {
		logr.Info(ctx, "Out of sync heartbeat received",
			"executed_at", cmd.ExecutedAt,
			"last_report_at", hb.LastReportAt,
		)
		h.metrics.IncHeartbeatsDropped(ctx, dropReasonOutOfOrder)
		span.AddEvent("out_of_order")
		return nil
	}

	wasDead := hb.ReportedStatus == monitoring.StatusDead
	hb.ReportedStatus = monitoring.StatusBeating

	if firstHeartbeat {
		if err := h.publish(ctx, id.String(), monitoring.HeartbeatingEndpointDetected{
			Endpoint:   details,
			DetectedAt: cmd.ExecutedAt,
		}); err != nil {
			span.RecordError(err)
			return err
		}
		logr.Info(ctx, "New heartbeating endpoint detected")
	}
	if wasDead {
		if err := h.publish(ctx, id.String(), monitoring.EndpointHeartbeatRestored{
			Endpoint:   details,
			RestoredAt: cmd.ExecutedAt,
		}); err != nil {
			span.RecordError(err)
			return err
		}
		h.metrics.IncEndpointsRestored(ctx)
		logr.Info(ctx, "Endpoint heartbeat restored")
	}

	if err := h.repo.StoreHeartbeat(ctx, hb); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store heartbeat")
		return fmt.Errorf("failed to store heartbeat %s: %w", id, err)
	}

	h.provider.RegisterHeartbeatingEndpoint(ctx, details)
	h.monitor.RecordHeartbeat(id, details, cmd.ExecutedAt)
	h.metrics.IncHeartbeatsReceived(ctx)

	span.SetStatus(codes.Ok, "heartbeat recorded")
	return nil
}

func (h *EndpointHeartbeatHandler) publish(ctx context.Context, key string, evt events.DomainEvent) error {
	if err := h.publisher.PublishDomainEvent(ctx, evt, events.WithKey(key)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.EventType(), err)
	}
	return nil
}
