// Package recoverability drives group-wide archive and unarchive operations.
// The handlers in this package split a failure group into persisted batches,
// apply them one at a time, and mirror the progress in memory so operators
// can watch long running jobs.
package recoverability

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
	"github.com/ahrav/servicecontrol/pkg/common/timeutil"
)

// OperationManager is the process-local registry of in-flight operations of
// one kind. It is shared by the handler and the HTTP layer, so every method
// is safe for concurrent use.
type OperationManager struct {
	kind recoverability.OperationKind

	mu         sync.RWMutex
	operations map[string]*recoverability.InMemoryOperation

	publisher    events.DomainEventPublisher
	timeProvider timeutil.Provider

	tracer trace.Tracer
	logger *logger.Logger
}

// NewArchivingManager creates the registry for archive operations.
func NewArchivingManager(
	publisher events.DomainEventPublisher,
	tracer trace.Tracer,
	logger *logger.Logger,
) *OperationManager {
	return newOperationManager(recoverability.KindArchive, publisher, tracer, logger)
}

// NewUnarchivingManager creates the registry for unarchive operations.
func NewUnarchivingManager(
	publisher events.DomainEventPublisher,
	tracer trace.Tracer,
	logger *logger.Logger,
) *OperationManager {
	return newOperationManager(recoverability.KindUnarchive, publisher, tracer, logger)
}

func newOperationManager(
	kind recoverability.OperationKind,
	publisher events.DomainEventPublisher,
	tracer trace.Tracer,
	logger *logger.Logger,
) *OperationManager {
	return &OperationManager{
		kind:         kind,
		operations:   make(map[string]*recoverability.InMemoryOperation),
		publisher:    publisher,
		timeProvider: timeutil.Default(),
		tracer:       tracer,
		logger:       logger.With("component", "operation_manager", "kind", kind.String()),
	}
}

// Kind is the direction of the operations this manager tracks.
func (m *OperationManager) Kind() recoverability.OperationKind { return m.kind }

func operationKey(archiveType recoverability.ArchiveType, requestID string) string {
	return string(archiveType) + "/" + requestID
}

// GetOrCreate returns the in-memory record for op, creating it from op's
// counters if the process has not seen it yet.
func (m *OperationManager) GetOrCreate(op *recoverability.Operation) *recoverability.InMemoryOperation {
	key := operationKey(op.ArchiveType, op.RequestID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.operations[key]; ok {
		return existing
	}
	created := recoverability.NewInMemoryOperation(op, m.publisher, m.timeProvider)
	m.operations[key] = created
	return created
}

func (m *OperationManager) get(requestID string, archiveType recoverability.ArchiveType) (*recoverability.InMemoryOperation, error) {
	m.mu.RLock()
	op, ok := m.operations[operationKey(archiveType, requestID)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no %s operation tracked for %s/%s", m.kind, archiveType, requestID)
	}
	return op, nil
}

// Start seeds the in-memory record from the durable operation and raises
// the starting event. Calling it for a completed record revives it.
func (m *OperationManager) Start(ctx context.Context, op *recoverability.Operation) error {
	ctx, span := m.tracer.Start(ctx, "operation_manager.start",
		trace.WithAttributes(
			attribute.String("kind", m.kind.String()),
			attribute.String("request_id", op.RequestID),
			attribute.Int("total_messages", op.TotalNumberOfMessages),
			attribute.Int("current_batch", op.CurrentBatch),
			attribute.Int("number_of_batches", op.NumberOfBatches),
		))
	defer span.End()

	if err := m.GetOrCreate(op).Start(ctx, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start operation")
		return err
	}
	span.SetStatus(codes.Ok, "operation started")
	return nil
}

// BatchProcessed adds count processed messages to the in-memory record.
func (m *OperationManager) BatchProcessed(
	ctx context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
	count int,
) error {
	op, err := m.get(requestID, archiveType)
	if err != nil {
		return err
	}
	return op.BatchProcessed(ctx, count)
}

// Finalizing marks the operation as waiting for queries to catch up.
func (m *OperationManager) Finalizing(ctx context.Context, requestID string, archiveType recoverability.ArchiveType) error {
	op, err := m.get(requestID, archiveType)
	if err != nil {
		return err
	}
	return op.Finalize(ctx)
}

// Completed marks the operation as done. The record stays visible until it
// is dismissed.
func (m *OperationManager) Completed(ctx context.Context, requestID string, archiveType recoverability.ArchiveType) error {
	op, err := m.get(requestID, archiveType)
	if err != nil {
		return err
	}
	return op.Complete(ctx)
}

// IsOperationInProgressFor reports whether a not yet completed operation is
// tracked for the request.
func (m *OperationManager) IsOperationInProgressFor(requestID string, archiveType recoverability.ArchiveType) bool {
	op, err := m.get(requestID, archiveType)
	if err != nil {
		return false
	}
	return op.State().InProgress()
}

// Dismiss forgets a completed operation. It reports false when the
// operation is unknown or still running.
func (m *OperationManager) Dismiss(requestID string, archiveType recoverability.ArchiveType) bool {
	key := operationKey(archiveType, requestID)

	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[key]
	if !ok || op.State().InProgress() {
		return false
	}
	delete(m.operations, key)
	return true
}

// GetProgress returns the progress of a tracked operation.
func (m *OperationManager) GetProgress(requestID string, archiveType recoverability.ArchiveType) (recoverability.ArchiveProgress, bool) {
	op, err := m.get(requestID, archiveType)
	if err != nil {
		return recoverability.ArchiveProgress{}, false
	}
	return op.Progress(), true
}

// Operations lists a snapshot of every tracked operation ordered by start time.
func (m *OperationManager) Operations() []recoverability.OperationSnapshot {
	m.mu.RLock()
	snapshots := make([]recoverability.OperationSnapshot, 0, len(m.operations))
	for _, op := range m.operations {
		snapshots = append(snapshots, op.Snapshot())
	}
	m.mu.RUnlock()

	slices.SortFunc(snapshots, func(a, b recoverability.OperationSnapshot) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return cmp.Compare(a.RequestID, b.RequestID)
	})
	return snapshots
}
