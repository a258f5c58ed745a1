package recoverability

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/internal/infra/storage/memory"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
)

// recordingPublisher captures every published domain event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	// failOnce rejects the next event of this type without recording it.
	failOnce events.EventType
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOnce != "" && evt.EventType() == p.failOnce {
		p.failOnce = ""
		return fmt.Errorf("broker unavailable publishing %s", evt.EventType())
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) all() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.DomainEvent(nil), p.events...)
}

func (p *recordingPublisher) ofType(et events.EventType) []events.DomainEvent {
	var out []events.DomainEvent
	for _, e := range p.all() {
		if e.EventType() == et {
			out = append(out, e)
		}
	}
	return out
}

// fakeMetrics counts calls instead of recording instruments.
type fakeMetrics struct {
	mu              sync.Mutex
	started         int
	completed       int
	batches         int
	messages        int
	catchUpTimeouts int
}

func (m *fakeMetrics) IncOperationsStarted(context.Context, recoverability.OperationKind) {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncOperationsCompleted(context.Context, recoverability.OperationKind) {
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
}

func (m *fakeMetrics) ObserveBatchApplied(_ context.Context, _ recoverability.OperationKind, n int, _ time.Duration) {
	m.mu.Lock()
	m.batches++
	m.messages += n
	m.mu.Unlock()
}

func (m *fakeMetrics) IncIndexCatchUpTimeouts(context.Context, recoverability.OperationKind) {
	m.mu.Lock()
	m.catchUpTimeouts++
	m.mu.Unlock()
}

// faultyDocuments wraps a DocumentManager to inject failures and observe calls.
type faultyDocuments struct {
	recoverability.DocumentManager

	mu            sync.Mutex
	failApplyAt   int // batch number whose ApplyBatch fails once; -1 disables
	applied       []int
	createSuccess int
	catchUpResult *bool
}

func newFaultyDocuments(inner recoverability.DocumentManager) *faultyDocuments {
	return &faultyDocuments{DocumentManager: inner, failApplyAt: -1}
}

func (f *faultyDocuments) CreateOperation(
	ctx context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
	total int,
	groupName string,
	batchSize int,
) (*recoverability.Operation, error) {
	op, err := f.DocumentManager.CreateOperation(ctx, requestID, archiveType, total, groupName, batchSize)
	if err == nil {
		f.mu.Lock()
		f.createSuccess++
		f.mu.Unlock()
	}
	return op, err
}

func (f *faultyDocuments) ApplyBatch(ctx context.Context, b *recoverability.Batch) (int, error) {
	f.mu.Lock()
	if b.Number == f.failApplyAt {
		f.failApplyAt = -1
		f.mu.Unlock()
		return 0, fmt.Errorf("connection reset applying batch %d", b.Number)
	}
	f.mu.Unlock()

	n, err := f.DocumentManager.ApplyBatch(ctx, b)
	if err == nil && n > 0 {
		f.mu.Lock()
		f.applied = append(f.applied, b.Number)
		f.mu.Unlock()
	}
	return n, err
}

func (f *faultyDocuments) WaitForIndexCatchUp(
	ctx context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
	timeout time.Duration,
) (bool, error) {
	if f.catchUpResult != nil {
		return *f.catchUpResult, nil
	}
	return f.DocumentManager.WaitForIndexCatchUp(ctx, requestID, archiveType, timeout)
}

func (f *faultyDocuments) appliedBatches() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.applied...)
}

func seedGroup(t *testing.T, s *memory.Store, groupID string, n int, status recoverability.FailedMessageStatus) {
	t.Helper()
	msgs := make([]*recoverability.FailedMessage, 0, n)
	for i := range n {
		msgs = append(msgs, &recoverability.FailedMessage{
			ID:            fmt.Sprintf("%s/%05d", groupID, i),
			Status:        status,
			FailureGroups: []recoverability.FailureGroup{{ID: groupID, Title: "NullReferenceException", Type: "Exception Type"}},
		})
	}
	require.NoError(t, s.SaveFailedMessages(context.Background(), msgs...))
}

func countStatus(t *testing.T, s *memory.Store, groupID string, n int, status recoverability.FailedMessageStatus) int {
	t.Helper()
	count := 0
	for i := range n {
		m, err := s.GetFailedMessage(context.Background(), fmt.Sprintf("%s/%05d", groupID, i))
		require.NoError(t, err)
		if m.Status == status {
			count++
		}
	}
	return count
}

type archiveHarness struct {
	store     *memory.Store
	documents *faultyDocuments
	manager   *OperationManager
	retries   *RetryRegistry
	publisher *recordingPublisher
	metrics   *fakeMetrics
	handler   *ArchiveAllInGroupHandler
}

func newArchiveHarness(t *testing.T, batchSize int) *archiveHarness {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	log := logger.Noop()

	h := &archiveHarness{
		store:     memory.NewStore(),
		retries:   NewRetryRegistry(),
		publisher: new(recordingPublisher),
		metrics:   new(fakeMetrics),
	}
	h.documents = newFaultyDocuments(memory.NewArchiveDocumentManager(h.store))
	h.manager = NewArchivingManager(h.publisher, tracer, log)

	handler, err := NewArchiveAllInGroupHandler(
		h.documents, h.manager, h.retries, h.publisher, h.metrics,
		DriverConfig{BatchSize: batchSize, IndexCatchUpTimeout: time.Second},
		tracer, log,
	)
	require.NoError(t, err)
	h.handler = handler
	return h
}
