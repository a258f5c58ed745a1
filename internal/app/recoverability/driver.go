package recoverability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/pkg/common"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
	"github.com/ahrav/servicecontrol/pkg/common/timeutil"
)

// Defaults applied when a handler is built with a zero DriverConfig field.
const (
	DefaultBatchSize           = 1000
	DefaultIndexCatchUpTimeout = 5 * time.Minute
)

// DriverConfig tunes how a group operation is split and finalized.
type DriverConfig struct {
	BatchSize           int
	IndexCatchUpTimeout time.Duration
	// BatchesPerSecond caps how fast batches are applied. Zero means no cap.
	BatchesPerSecond    float64
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.IndexCatchUpTimeout <= 0 {
		c.IndexCatchUpTimeout = DefaultIndexCatchUpTimeout
	}
	return c
}

// groupBatchDriver runs the split, batch, finalize and complete steps of a
// group operation. The archive and unarchive handlers differ only in the
// document manager they drive and the events they publish around it.
type groupBatchDriver struct {
	documents recoverability.DocumentManager
	manager   *OperationManager
	retries   recoverability.RetryStatusChecker
	publisher events.DomainEventPublisher
	metrics   OperationMetrics
	cfg       DriverConfig
	throttle  *common.RateLimiter

	// groupCompleted builds the event published once the whole group is done.
	groupCompleted func(groupID, groupName string, count int, at time.Time) events.DomainEvent
	// beforeApply, when set, runs before each stored batch is applied. An
	// error leaves the batch stored so a rerun repeats the call.
	beforeApply func(ctx context.Context, batch *recoverability.Batch) error

	timeProvider timeutil.Provider
	tracer       trace.Tracer
	logger       *logger.Logger
}

func (d *groupBatchDriver) kind() recoverability.OperationKind { return d.documents.Kind() }

// run executes the state machine for groupID. A persistence error stops the
// run and is returned so the transport redelivers the command; the next run
// resumes at the persisted batch cursor.
func (d *groupBatchDriver) run(ctx context.Context, groupID string) error {
	const archiveType = recoverability.ArchiveTypeFailureGroup
	kind := d.kind()

	logr := logger.NewLoggerContext(d.logger.With("operation", "run", "group_id", groupID))
	ctx, span := d.tracer.Start(ctx, "group_batch_driver.run",
		trace.WithAttributes(
			attribute.String("kind", kind.String()),
			attribute.String("group_id", groupID),
		))
	defer span.End()

	if d.retries.IsRetryInProgressFor(groupID) {
		logr.Warn(ctx, "Retry in progress for group, declining operation")
		span.AddEvent("declined_retry_in_progress")
		span.SetStatus(codes.Ok, "declined: retry in progress")
		return nil
	}

	op, err := d.documents.LoadOperation(ctx, groupID, archiveType)
	if err != nil {
		return d.fail(span, fmt.Errorf("failed to load %s operation for group %s: %w", kind, groupID, err))
	}

	if op == nil {
		op, err = d.split(ctx, logr, groupID)
		if err != nil {
			return d.fail(span, err)
		}
		if op == nil {
			span.SetStatus(codes.Ok, "nothing to do")
			return nil
		}
	} else {
		logr.Info(ctx, "Resuming operation",
			"current_batch", op.CurrentBatch,
			"number_of_batches", op.NumberOfBatches,
		)
		span.AddEvent("operation_resumed", trace.WithAttributes(attribute.Int("current_batch", op.CurrentBatch)))
	}
	logr.Add("number_of_batches", op.NumberOfBatches, "total_messages", op.TotalNumberOfMessages)

	if err := d.manager.Start(ctx, op); err != nil {
		return d.fail(span, err)
	}
	d.metrics.IncOperationsStarted(ctx, kind)

	if err := d.driveBatches(ctx, logr, op); err != nil {
		return d.fail(span, err)
	}

	if err := d.finalize(ctx, logr, op); err != nil {
		return d.fail(span, err)
	}

	if err := d.complete(ctx, logr, op); err != nil {
		return d.fail(span, err)
	}

	span.SetStatus(codes.Ok, "operation completed")
	return nil
}

// split materializes the operation and its batches. It returns nil when the
// group has nothing eligible. Losing the creation race is not an error: the
// winner's operation is loaded and driven from its persisted cursor.
func (d *groupBatchDriver) split(
	ctx context.Context,
	logr *logger.LoggerContext,
	groupID string,
) (*recoverability.Operation, error) {
	const archiveType = recoverability.ArchiveTypeFailureGroup
	kind := d.kind()

	ctx, span := d.tracer.Start(ctx, "group_batch_driver.split")
	defer span.End()

	details, err := d.documents.GetGroupDetails(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load details of group %s: %w", groupID, err)
	}
	if details == nil || details.Count == 0 {
		logr.Info(ctx, "No eligible messages in group, nothing to do")
		span.AddEvent("group_empty")
		return nil, nil
	}
	span.SetAttributes(attribute.Int("message_count", details.Count))

	op, err := d.documents.CreateOperation(ctx, groupID, archiveType, details.Count, details.Title, d.cfg.BatchSize)
	if err == nil {
		logr.Info(ctx, "Operation created", "message_count", details.Count, "batch_size", d.cfg.BatchSize)
		span.AddEvent("operation_created")
		return op, nil
	}
	if !errors.Is(err, recoverability.ErrOperationAlreadyExists) {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create %s operation for group %s: %w", kind, groupID, err)
	}

	logr.Info(ctx, "Operation already created by another handler, following it")
	span.AddEvent("operation_split_lost")
	op, err = d.documents.LoadOperation(ctx, groupID, archiveType)
	if err != nil {
		return nil, fmt.Errorf("failed to load competing %s operation for group %s: %w", kind, groupID, err)
	}
	if op == nil {
		// The winner finished and removed its record between our create and load.
		logr.Info(ctx, "Competing operation already completed")
		return nil, nil
	}
	return op, nil
}

// driveBatches applies the remaining batches strictly in order. Each batch
// runs to completion even if ctx is canceled; cancellation is honored
// between batches.
func (d *groupBatchDriver) driveBatches(ctx context.Context, logr *logger.LoggerContext, op *recoverability.Operation) error {
	for op.HasRemainingBatches() {
		if err := d.throttle.Wait(ctx); err != nil {
			return fmt.Errorf("stopped before batch %d of %d: %w", op.CurrentBatch, op.NumberOfBatches, err)
		}
		if err := d.processBatch(context.WithoutCancel(ctx), logr, op); err != nil {
			return err
		}
	}
	return nil
}

func (d *groupBatchDriver) processBatch(ctx context.Context, logr *logger.LoggerContext, op *recoverability.Operation) error {
	batchNumber := op.CurrentBatch
	ctx, span := d.tracer.Start(ctx, "group_batch_driver.process_batch",
		trace.WithAttributes(attribute.Int("batch_number", batchNumber)))
	defer span.End()

	start := d.timeProvider.Now()
	batch, err := d.documents.GetBatch(ctx, op, batchNumber)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load batch %d: %w", batchNumber, err)
	}

	applied := 0
	if batch == nil {
		logr.Debug(ctx, "Batch already applied, advancing", "batch_number", batchNumber)
		span.AddEvent("batch_missing")
	} else {
		if d.beforeApply != nil {
			if err := d.beforeApply(ctx, batch); err != nil {
				span.RecordError(err)
				return err
			}
		}
		if applied, err = d.documents.ApplyBatch(ctx, batch); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to apply batch %d: %w", batchNumber, err)
		}
	}

	if err := d.manager.BatchProcessed(ctx, op.RequestID, op.ArchiveType, applied); err != nil {
		return err
	}

	op.AdvanceBatch(applied)
	if err := d.documents.UpdateOperation(ctx, op); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to persist progress after batch %d: %w", batchNumber, err)
	}

	d.metrics.ObserveBatchApplied(ctx, d.kind(), applied, d.timeProvider.Now().Sub(start))
	logr.Debug(ctx, "Batch processed", "batch_number", batchNumber, "messages", applied)
	span.SetStatus(codes.Ok, "batch processed")
	return nil
}

// finalize waits, bounded, for queries to observe every applied batch. A
// timeout degrades to a warning.
func (d *groupBatchDriver) finalize(ctx context.Context, logr *logger.LoggerContext, op *recoverability.Operation) error {
	if err := d.manager.Finalizing(ctx, op.RequestID, op.ArchiveType); err != nil {
		return err
	}

	caughtUp, err := d.documents.WaitForIndexCatchUp(ctx, op.RequestID, op.ArchiveType, d.cfg.IndexCatchUpTimeout)
	if err != nil {
		return fmt.Errorf("failed waiting for queries to catch up: %w", err)
	}
	if !caughtUp {
		d.metrics.IncIndexCatchUpTimeouts(ctx, d.kind())
		logr.Warn(ctx, "Timed out waiting for queries to reflect the operation, completing anyway",
			"timeout", d.cfg.IndexCatchUpTimeout.String())
	}
	return nil
}

func (d *groupBatchDriver) complete(ctx context.Context, logr *logger.LoggerContext, op *recoverability.Operation) error {
	if err := d.manager.Completed(ctx, op.RequestID, op.ArchiveType); err != nil {
		return err
	}

	if err := d.documents.RemoveOperation(ctx, op); err != nil {
		return fmt.Errorf("failed to remove completed operation: %w", err)
	}

	evt := d.groupCompleted(op.RequestID, op.GroupName, op.TotalNumberOfMessages, d.timeProvider.Now())
	if err := d.publisher.PublishDomainEvent(ctx, evt, events.WithKey(op.RequestID)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.EventType(), err)
	}

	d.metrics.IncOperationsCompleted(ctx, d.kind())
	logr.Info(ctx, "Operation completed", "messages_processed", op.NumberOfMessagesProcessed)
	return nil
}

func (d *groupBatchDriver) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
