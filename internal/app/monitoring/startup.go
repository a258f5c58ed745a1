package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
)

// StartupReconciler rebuilds the in-memory liveness view from the persisted
// heartbeats when the process starts.
type StartupReconciler struct {
	repo     monitoring.HeartbeatRepository
	provider *HeartbeatStatusProvider
	monitor  *HeartbeatsMonitor

	tracer trace.Tracer
	logger *logger.Logger
}

// NewStartupReconciler creates a StartupReconciler.
func NewStartupReconciler(
	repo monitoring.HeartbeatRepository,
	provider *HeartbeatStatusProvider,
	monitor *HeartbeatsMonitor,
	tracer trace.Tracer,
	logger *logger.Logger,
) *StartupReconciler {
	return &StartupReconciler{
		repo:     repo,
		provider: provider,
		monitor:  monitor,
		tracer:   tracer,
		logger:   logger.With("component", "heartbeat_startup_reconciler"),
	}
}

// Reconcile streams every heartbeat document into the provider and tracks
// the monitored, beating ones in the monitor.
func (r *StartupReconciler) Reconcile(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "heartbeat_startup_reconciler.reconcile")
	defer span.End()

	var count int
	err := r.repo.StreamHeartbeats(ctx, func(hb *monitoring.Heartbeat) error {
		count++
		switch hb.ReportedStatus {
		case monitoring.StatusNew:
			r.provider.RegisterNewEndpoint(ctx, hb.EndpointDetails)
		case monitoring.StatusBeating:
			r.provider.RegisterHeartbeatingEndpoint(ctx, hb.EndpointDetails)
			if !hb.Disabled {
				r.monitor.RecordHeartbeat(hb.ID, hb.EndpointDetails, hb.LastReportAt)
			}
		case monitoring.StatusDead:
			r.provider.RegisterEndpointThatFailedToHeartbeat(ctx, hb.EndpointDetails)
		}
		if hb.Disabled {
			r.provider.DisableMonitoring(ctx, hb.EndpointDetails)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stream heartbeats")
		return fmt.Errorf("failed to reconcile heartbeats: %w", err)
	}

	stats := r.provider.Stats()
	span.SetAttributes(
		attribute.Int("heartbeats", count),
		attribute.Int("active", stats.Active),
		attribute.Int("dead", stats.Dead),
	)
	span.SetStatus(codes.Ok, "heartbeats reconciled")
	r.logger.Info(ctx, "Heartbeats reconciled", "heartbeats", count, "active", stats.Active, "dead", stats.Dead)
	return nil
}
