package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
)

func seedGroup(t *testing.T, s *Store, groupID string, n int, status recoverability.FailedMessageStatus) {
	t.Helper()
	msgs := make([]*recoverability.FailedMessage, 0, n)
	for i := range n {
		msgs = append(msgs, &recoverability.FailedMessage{
			ID:            fmt.Sprintf("%s-msg-%05d", groupID, i),
			Status:        status,
			FailureGroups: []recoverability.FailureGroup{{ID: groupID, Title: "Title " + groupID, Type: "Exception Type"}},
		})
	}
	require.NoError(t, s.SaveFailedMessages(context.Background(), msgs...))
}

func TestDocumentManager_CreateOperationSplitsEligibleMessages(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedGroup(t, s, "G1", 25, recoverability.FailedMessageStatusUnresolved)
	seedGroup(t, s, "G2", 5, recoverability.FailedMessageStatusUnresolved)
	require.NoError(t, s.SaveFailedMessages(ctx, &recoverability.FailedMessage{
		ID:            "G1-archived",
		Status:        recoverability.FailedMessageStatusArchived,
		FailureGroups: []recoverability.FailureGroup{{ID: "G1"}},
	}))

	docs := NewArchiveDocumentManager(s)
	details, err := docs.GetGroupDetails(ctx, "G1")
	require.NoError(t, err)
	require.NotNil(t, details)
	assert.Equal(t, 25, details.Count)
	assert.Equal(t, "Title G1", details.Title)

	op, err := docs.CreateOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup, details.Count, details.Title, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, op.NumberOfBatches)
	assert.Equal(t, "ArchiveOperations/FailureGroup/G1", op.ID)

	total := 0
	for n := range op.NumberOfBatches {
		b, err := docs.GetBatch(ctx, op, n)
		require.NoError(t, err)
		require.NotNil(t, b)
		total += len(b.DocumentIDs)
		assert.NotContains(t, b.DocumentIDs, "G1-archived")
	}
	assert.Equal(t, 25, total)

	_, err = docs.CreateOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup, details.Count, details.Title, 10)
	assert.ErrorIs(t, err, recoverability.ErrOperationAlreadyExists)
}

func TestDocumentManager_CreateOperationCountsMessagesActuallyBatched(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedGroup(t, s, "G1", 20, recoverability.FailedMessageStatusUnresolved)

	docs := NewArchiveDocumentManager(s)
	details, err := docs.GetGroupDetails(ctx, "G1")
	require.NoError(t, err)
	require.Equal(t, 20, details.Count)

	require.NoError(t, s.SaveFailedMessages(ctx, &recoverability.FailedMessage{
		ID:            "G1-msg-late",
		Status:        recoverability.FailedMessageStatusUnresolved,
		FailureGroups: []recoverability.FailureGroup{{ID: "G1"}},
	}))

	op, err := docs.CreateOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup, details.Count, details.Title, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, op.NumberOfBatches)
	assert.Equal(t, 21, op.TotalNumberOfMessages)

	loaded, err := docs.LoadOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.NumberOfBatches)
	assert.Equal(t, 21, loaded.TotalNumberOfMessages)

	applied := 0
	for n := range op.NumberOfBatches {
		b, err := docs.GetBatch(ctx, op, n)
		require.NoError(t, err)
		require.NotNil(t, b)
		patched, err := docs.ApplyBatch(ctx, b)
		require.NoError(t, err)
		applied += patched
	}
	assert.Equal(t, 21, applied)

	caughtUp, err := docs.WaitForIndexCatchUp(ctx, "G1", recoverability.ArchiveTypeFailureGroup, 0)
	require.NoError(t, err)
	assert.True(t, caughtUp, "no batch is left behind")
}

func TestDocumentManager_ApplyBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedGroup(t, s, "G1", 3, recoverability.FailedMessageStatusUnresolved)
	docs := NewArchiveDocumentManager(s)

	op, err := docs.CreateOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup, 3, "", 10)
	require.NoError(t, err)

	b, err := docs.GetBatch(ctx, op, 0)
	require.NoError(t, err)

	n, err := docs.ApplyBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	again, err := docs.GetBatch(ctx, op, 0)
	require.NoError(t, err)
	assert.Nil(t, again, "applied batch is deleted")

	n, err = docs.ApplyBatch(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, n, "messages already archived are not patched twice")

	m, err := s.GetFailedMessage(ctx, "G1-msg-00000")
	require.NoError(t, err)
	assert.Equal(t, recoverability.FailedMessageStatusArchived, m.Status)

	caughtUp, err := docs.WaitForIndexCatchUp(ctx, "G1", recoverability.ArchiveTypeFailureGroup, 0)
	require.NoError(t, err)
	assert.True(t, caughtUp)
}

func TestDocumentManager_UpdateOperationOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedGroup(t, s, "G1", 2, recoverability.FailedMessageStatusUnresolved)
	docs := NewArchiveDocumentManager(s)

	op, err := docs.CreateOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup, 2, "", 1)
	require.NoError(t, err)
	stale := op.Clone()

	op.AdvanceBatch(1)
	require.NoError(t, docs.UpdateOperation(ctx, op))

	stale.AdvanceBatch(1)
	assert.ErrorIs(t, docs.UpdateOperation(ctx, stale), recoverability.ErrConcurrencyConflict)

	loaded, err := docs.LoadOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentBatch)

	require.NoError(t, docs.RemoveOperation(ctx, loaded))
	loaded, err = docs.LoadOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDocumentManager_KindsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedGroup(t, s, "G1", 4, recoverability.FailedMessageStatusArchived)

	archive := NewArchiveDocumentManager(s)
	unarchive := NewUnarchiveDocumentManager(s)

	details, err := archive.GetGroupDetails(ctx, "G1")
	require.NoError(t, err)
	assert.Zero(t, details.Count)

	details, err = unarchive.GetGroupDetails(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, 4, details.Count)

	_, err = unarchive.CreateOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup, 4, "", 10)
	require.NoError(t, err)

	op, err := archive.LoadOperation(ctx, "G1", recoverability.ArchiveTypeFailureGroup)
	require.NoError(t, err)
	assert.Nil(t, op)

	caughtUp, err := unarchive.WaitForIndexCatchUp(ctx, "G1", recoverability.ArchiveTypeFailureGroup, 0)
	require.NoError(t, err)
	assert.False(t, caughtUp, "pending unarchive batch")

	missing, err := archive.GetGroupDetails(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDocumentManager_CatchUpIgnoresRequestsSharingAPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedGroup(t, s, "A", 2, recoverability.FailedMessageStatusUnresolved)
	seedGroup(t, s, "A/FailureGroup", 2, recoverability.FailedMessageStatusUnresolved)
	docs := NewArchiveDocumentManager(s)

	_, err := docs.CreateOperation(ctx, "A/FailureGroup", recoverability.ArchiveTypeFailureGroup, 2, "", 10)
	require.NoError(t, err)

	caughtUp, err := docs.WaitForIndexCatchUp(ctx, "A", recoverability.ArchiveTypeFailureGroup, 0)
	require.NoError(t, err)
	assert.True(t, caughtUp, "batches of A/FailureGroup do not belong to A")

	caughtUp, err = docs.WaitForIndexCatchUp(ctx, "A/FailureGroup", recoverability.ArchiveTypeFailureGroup, 0)
	require.NoError(t, err)
	assert.False(t, caughtUp)
}
