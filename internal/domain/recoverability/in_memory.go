package recoverability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/pkg/common/timeutil"
)

// InMemoryOperation mirrors a durable Operation for progress reporting. Each
// state transition raises the matching domain event. The record lives for
// the lifetime of the process, or until a completed operation is dismissed.
type InMemoryOperation struct {
	mu sync.Mutex

	kind        OperationKind
	requestID   string
	archiveType ArchiveType
	groupName   string

	total           int
	processed       int
	numberOfBatches int
	currentBatch    int

	state          ArchiveState
	started        time.Time
	last           time.Time
	completionTime *time.Time

	publisher    events.DomainEventPublisher
	timeProvider timeutil.Provider
}

// NewInMemoryOperation seeds a mirror from the durable operation.
func NewInMemoryOperation(
	op *Operation,
	publisher events.DomainEventPublisher,
	timeProvider timeutil.Provider,
) *InMemoryOperation {
	m := &InMemoryOperation{
		kind:         op.Kind,
		requestID:    op.RequestID,
		archiveType:  op.ArchiveType,
		publisher:    publisher,
		timeProvider: timeProvider,
		state:        ArchiveStateStarted,
	}
	m.seed(op)
	return m
}

func (m *InMemoryOperation) seed(op *Operation) {
	m.groupName = op.GroupName
	m.total = op.TotalNumberOfMessages
	m.processed = op.NumberOfMessagesProcessed
	m.numberOfBatches = op.NumberOfBatches
	m.currentBatch = op.CurrentBatch
}

// Start (re)initializes the counters from op and raises OperationStarting.
// A completed mirror is revived, which is what a resumed redelivery needs.
func (m *InMemoryOperation) Start(ctx context.Context, op *Operation) error {
	m.mu.Lock()
	m.seed(op)
	now := m.timeProvider.Now()
	m.state = ArchiveStateStarted
	m.started = now
	m.last = now
	m.completionTime = nil
	evt := OperationStarting{
		Kind:        m.kind,
		RequestID:   m.requestID,
		ArchiveType: m.archiveType,
		Progress:    m.progressLocked(),
		StartTime:   now,
	}
	m.mu.Unlock()

	return m.publish(ctx, evt)
}

// BatchProcessed adds count to the processed total, advances the batch
// cursor and raises OperationBatchCompleted.
func (m *InMemoryOperation) BatchProcessed(ctx context.Context, count int) error {
	m.mu.Lock()
	m.processed += count
	m.currentBatch++
	m.state = ArchiveStateProgressing
	m.last = m.timeProvider.Now()
	evt := OperationBatchCompleted{
		Kind:        m.kind,
		RequestID:   m.requestID,
		ArchiveType: m.archiveType,
		Progress:    m.progressLocked(),
		StartTime:   m.started,
		Last:        m.last,
	}
	m.mu.Unlock()

	return m.publish(ctx, evt)
}

// Finalize moves to ArchiveStateFinalizing and raises OperationFinalizing.
func (m *InMemoryOperation) Finalize(ctx context.Context) error {
	m.mu.Lock()
	m.state = ArchiveStateFinalizing
	m.last = m.timeProvider.Now()
	evt := OperationFinalizing{
		Kind:        m.kind,
		RequestID:   m.requestID,
		ArchiveType: m.archiveType,
		Progress:    m.progressLocked(),
		StartTime:   m.started,
		Last:        m.last,
	}
	m.mu.Unlock()

	return m.publish(ctx, evt)
}

// Complete moves to ArchiveStateCompleted and raises OperationCompleted.
// The processed count is pinned to the total so the snapshot agrees with
// the 100% progress a completed operation reports.
func (m *InMemoryOperation) Complete(ctx context.Context) error {
	m.mu.Lock()
	now := m.timeProvider.Now()
	m.state = ArchiveStateCompleted
	m.processed = m.total
	m.last = now
	m.completionTime = &now
	evt := OperationCompleted{
		Kind:           m.kind,
		RequestID:      m.requestID,
		ArchiveType:    m.archiveType,
		GroupName:      m.groupName,
		Progress:       m.progressLocked(),
		StartTime:      m.started,
		CompletionTime: now,
	}
	m.mu.Unlock()

	return m.publish(ctx, evt)
}

// State returns the current lifecycle position.
func (m *InMemoryOperation) State() ArchiveState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Progress returns the current progress snapshot.
func (m *InMemoryOperation) Progress() ArchiveProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

func (m *InMemoryOperation) progressLocked() ArchiveProgress {
	return ArchiveProgress{
		Percentage: CalculateProgress(m.total, m.processed, m.state),
		Total:      m.total,
		Done:       m.processed,
		Remaining:  max(m.total-m.processed, 0),
	}
}

// OperationSnapshot is a point-in-time copy of an InMemoryOperation.
type OperationSnapshot struct {
	Kind            OperationKind
	RequestID       string
	ArchiveType     ArchiveType
	GroupName       string
	State           ArchiveState
	NumberOfBatches int
	CurrentBatch    int
	Progress        ArchiveProgress
	Started         time.Time
	Last            time.Time
	CompletionTime  *time.Time
}

// Snapshot copies the mirror's state.
func (m *InMemoryOperation) Snapshot() OperationSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := OperationSnapshot{
		Kind:            m.kind,
		RequestID:       m.requestID,
		ArchiveType:     m.archiveType,
		GroupName:       m.groupName,
		State:           m.state,
		NumberOfBatches: m.numberOfBatches,
		CurrentBatch:    m.currentBatch,
		Progress:        m.progressLocked(),
		Started:         m.started,
		Last:            m.last,
	}
	if m.completionTime != nil {
		ct := *m.completionTime
		s.CompletionTime = &ct
	}
	return s
}

func (m *InMemoryOperation) publish(ctx context.Context, evt events.DomainEvent) error {
	if err := m.publisher.PublishDomainEvent(ctx, evt, events.WithKey(m.requestID)); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", evt.EventType(), m.requestID, err)
	}
	return nil
}
