package recoverability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
)

// OperationMetrics records the throughput of archive and unarchive operations.
type OperationMetrics interface {
	IncOperationsStarted(ctx context.Context, kind recoverability.OperationKind)
	IncOperationsCompleted(ctx context.Context, kind recoverability.OperationKind)
	ObserveBatchApplied(ctx context.Context, kind recoverability.OperationKind, messages int, took time.Duration)
	IncIndexCatchUpTimeouts(ctx context.Context, kind recoverability.OperationKind)
}

type operationMetrics struct {
	operationsStarted   metric.Int64Counter
	operationsCompleted metric.Int64Counter
	messagesProcessed   metric.Int64Counter
	batchDuration       metric.Float64Histogram
	catchUpTimeouts     metric.Int64Counter
}

const namespace = "recoverability"

// NewOperationMetrics creates the recoverability instruments on mp.
func NewOperationMetrics(mp metric.MeterProvider) (*operationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(operationMetrics)
	var err error

	if m.operationsStarted, err = meter.Int64Counter(
		"operations_started_total",
		metric.WithDescription("Total number of archive and unarchive operations started or resumed"),
	); err != nil {
		return nil, err
	}

	if m.operationsCompleted, err = meter.Int64Counter(
		"operations_completed_total",
		metric.WithDescription("Total number of archive and unarchive operations completed"),
	); err != nil {
		return nil, err
	}

	if m.messagesProcessed, err = meter.Int64Counter(
		"messages_processed_total",
		metric.WithDescription("Total number of failed messages whose status was changed by an operation"),
	); err != nil {
		return nil, err
	}

	if m.batchDuration, err = meter.Float64Histogram(
		"batch_apply_duration_seconds",
		metric.WithDescription("Time taken to apply a single batch"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.catchUpTimeouts, err = meter.Int64Counter(
		"index_catch_up_timeouts_total",
		metric.WithDescription("Total number of operations that completed before queries caught up"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func kindAttr(kind recoverability.OperationKind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind.String()))
}

func (m *operationMetrics) IncOperationsStarted(ctx context.Context, kind recoverability.OperationKind) {
	m.operationsStarted.Add(ctx, 1, kindAttr(kind))
}

func (m *operationMetrics) IncOperationsCompleted(ctx context.Context, kind recoverability.OperationKind) {
	m.operationsCompleted.Add(ctx, 1, kindAttr(kind))
}

func (m *operationMetrics) ObserveBatchApplied(
	ctx context.Context,
	kind recoverability.OperationKind,
	messages int,
	took time.Duration,
) {
	m.messagesProcessed.Add(ctx, int64(messages), kindAttr(kind))
	m.batchDuration.Record(ctx, took.Seconds(), kindAttr(kind))
}

func (m *operationMetrics) IncIndexCatchUpTimeouts(ctx context.Context, kind recoverability.OperationKind) {
	m.catchUpTimeouts.Add(ctx, 1, kindAttr(kind))
}
