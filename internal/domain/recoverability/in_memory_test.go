package recoverability_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/pkg/common/timeutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

func TestInMemoryOperation_Lifecycle(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	pub := new(recordingPublisher)

	op := &recoverability.Operation{
		RequestID:             "G1",
		ArchiveType:           recoverability.ArchiveTypeFailureGroup,
		Kind:                  recoverability.KindArchive,
		GroupName:             "NullReferenceException",
		TotalNumberOfMessages: 2500,
		NumberOfBatches:       3,
	}
	m := recoverability.NewInMemoryOperation(op, pub, clock)

	require.NoError(t, m.Start(ctx, op))
	assert.Equal(t, recoverability.ArchiveStateStarted, m.State())

	var percentages []float64
	for _, n := range []int{1000, 1000, 500} {
		clock.Advance(time.Second)
		require.NoError(t, m.BatchProcessed(ctx, n))
		percentages = append(percentages, m.Progress().Percentage)
	}
	assert.InDeltaSlice(t, []float64{0.4, 0.8, 1.0}, percentages, 1e-9)
	assert.Equal(t, recoverability.ArchiveStateProgressing, m.State())

	require.NoError(t, m.Finalize(ctx))
	assert.Equal(t, recoverability.ArchiveStateFinalizing, m.State())

	clock.Advance(time.Second)
	require.NoError(t, m.Complete(ctx))

	snap := m.Snapshot()
	assert.Equal(t, recoverability.ArchiveStateCompleted, snap.State)
	assert.InDelta(t, 1.0, snap.Progress.Percentage, 1e-9)
	assert.Equal(t, 0, snap.Progress.Remaining)
	assert.Equal(t, 3, snap.CurrentBatch)
	require.NotNil(t, snap.CompletionTime)
	assert.Equal(t, clock.Now(), *snap.CompletionTime)

	assert.Equal(t, []events.EventType{
		recoverability.EventTypeArchiveOperationStarting,
		recoverability.EventTypeArchiveOperationBatchCompleted,
		recoverability.EventTypeArchiveOperationBatchCompleted,
		recoverability.EventTypeArchiveOperationBatchCompleted,
		recoverability.EventTypeArchiveOperationFinalizing,
		recoverability.EventTypeArchiveOperationCompleted,
	}, pub.types())
}

func TestInMemoryOperation_UnarchiveEventTypes(t *testing.T) {
	ctx := context.Background()
	pub := new(recordingPublisher)
	op := &recoverability.Operation{
		RequestID:             "G2",
		ArchiveType:           recoverability.ArchiveTypeFailureGroup,
		Kind:                  recoverability.KindUnarchive,
		TotalNumberOfMessages: 1,
		NumberOfBatches:       1,
	}
	m := recoverability.NewInMemoryOperation(op, pub, timeutil.Default())

	require.NoError(t, m.Start(ctx, op))
	require.NoError(t, m.Complete(ctx))

	assert.Equal(t, []events.EventType{
		recoverability.EventTypeUnarchiveOperationStarting,
		recoverability.EventTypeUnarchiveOperationCompleted,
	}, pub.types())
}

func TestInMemoryOperation_StartReseedsFromDurableRecord(t *testing.T) {
	ctx := context.Background()
	pub := new(recordingPublisher)
	op := &recoverability.Operation{
		RequestID:                 "G1",
		Kind:                      recoverability.KindArchive,
		TotalNumberOfMessages:     2500,
		NumberOfMessagesProcessed: 1000,
		NumberOfBatches:           3,
		CurrentBatch:              1,
	}
	m := recoverability.NewInMemoryOperation(op, pub, timeutil.Default())
	require.NoError(t, m.Start(ctx, op))

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.CurrentBatch)
	assert.Equal(t, 1000, snap.Progress.Done)
	assert.Equal(t, 1500, snap.Progress.Remaining)
	assert.InDelta(t, 0.4, snap.Progress.Percentage, 1e-9)
}

func TestInMemoryOperation_PublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bus down")}
	op := &recoverability.Operation{RequestID: "G1", Kind: recoverability.KindArchive}
	m := recoverability.NewInMemoryOperation(op, pub, timeutil.Default())

	err := m.Start(context.Background(), op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus down")
}
