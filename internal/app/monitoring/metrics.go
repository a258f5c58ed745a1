package monitoring

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
)

// HeartbeatMetrics records heartbeat traffic and the liveness gauges
// scraped from the debug server.
type HeartbeatMetrics interface {
	StatsObserver

	IncHeartbeatsReceived(ctx context.Context)
	IncHeartbeatsDropped(ctx context.Context, reason string)
	IncMissingCandidates(ctx context.Context)
	IncEndpointsFailed(ctx context.Context)
	IncEndpointsRestored(ctx context.Context)
}

// Reasons a heartbeat is dropped without changing state.
const (
	dropReasonDisabled   = "disabled"
	dropReasonOutOfOrder = "out_of_order"
)

type heartbeatMetrics struct {
	heartbeatsReceived metric.Int64Counter
	heartbeatsDropped  metric.Int64Counter
	missingCandidates  metric.Int64Counter
	endpointsFailed    metric.Int64Counter
	endpointsRestored  metric.Int64Counter

	activeEndpoints prometheus.Gauge
	deadEndpoints   prometheus.Gauge
}

const namespace = "heartbeats"

// NewHeartbeatMetrics creates the OTel instruments on mp and registers the
// endpoint gauges with reg.
func NewHeartbeatMetrics(mp metric.MeterProvider, reg prometheus.Registerer) (*heartbeatMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(heartbeatMetrics)
	var err error

	if m.heartbeatsReceived, err = meter.Int64Counter(
		"heartbeats_received_total",
		metric.WithDescription("Total number of heartbeats accepted"),
	); err != nil {
		return nil, err
	}

	if m.heartbeatsDropped, err = meter.Int64Counter(
		"heartbeats_dropped_total",
		metric.WithDescription("Total number of heartbeats ignored, by reason"),
	); err != nil {
		return nil, err
	}

	if m.missingCandidates, err = meter.Int64Counter(
		"missing_heartbeat_candidates_total",
		metric.WithDescription("Total number of endpoints nominated as potentially missing"),
	); err != nil {
		return nil, err
	}

	if m.endpointsFailed, err = meter.Int64Counter(
		"endpoints_failed_total",
		metric.WithDescription("Total number of endpoints confirmed as failing to heartbeat"),
	); err != nil {
		return nil, err
	}

	if m.endpointsRestored, err = meter.Int64Counter(
		"endpoints_restored_total",
		metric.WithDescription("Total number of dead endpoints that resumed heartbeating"),
	); err != nil {
		return nil, err
	}

	m.activeEndpoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "servicecontrol",
		Subsystem: namespace,
		Name:      "active_endpoints",
		Help:      "Number of monitored endpoints currently heartbeating.",
	})
	m.deadEndpoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "servicecontrol",
		Subsystem: namespace,
		Name:      "dead_endpoints",
		Help:      "Number of monitored endpoints that stopped heartbeating.",
	})
	for _, c := range []prometheus.Collector{m.activeEndpoints, m.deadEndpoints} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *heartbeatMetrics) ObserveHeartbeatStats(_ context.Context, stats monitoring.HeartbeatsStats) {
	m.activeEndpoints.Set(float64(stats.Active))
	m.deadEndpoints.Set(float64(stats.Dead))
}

func (m *heartbeatMetrics) IncHeartbeatsReceived(ctx context.Context) {
	m.heartbeatsReceived.Add(ctx, 1)
}

func (m *heartbeatMetrics) IncHeartbeatsDropped(ctx context.Context, reason string) {
	m.heartbeatsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *heartbeatMetrics) IncMissingCandidates(ctx context.Context) {
	m.missingCandidates.Add(ctx, 1)
}

func (m *heartbeatMetrics) IncEndpointsFailed(ctx context.Context) {
	m.endpointsFailed.Add(ctx, 1)
}

func (m *heartbeatMetrics) IncEndpointsRestored(ctx context.Context) {
	m.endpointsRestored.Add(ctx, 1)
}
