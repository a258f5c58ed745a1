package recoverability

import (
	"fmt"
	"time"
)

// Operation is the durable record of a group-wide archive or unarchive job.
// It survives restarts so that a redelivered command can resume from the
// first unapplied batch instead of re-splitting the group.
type Operation struct {
	ID                        string
	RequestID                 string
	ArchiveType               ArchiveType
	Kind                      OperationKind
	GroupName                 string
	TotalNumberOfMessages     int
	NumberOfMessagesProcessed int
	NumberOfBatches           int
	CurrentBatch              int
	Started                   time.Time

	// Version is the optimistic concurrency token. Stores bump it on every
	// successful write and reject writes carrying a stale value.
	Version int64
}

// OperationID is the deterministic key of the operation for a request.
func OperationID(kind OperationKind, archiveType ArchiveType, requestID string) string {
	return fmt.Sprintf("%s/%s/%s", kind.collection(), archiveType, requestID)
}

// HasRemainingBatches reports whether the batch loop still has work.
func (o *Operation) HasRemainingBatches() bool { return o.CurrentBatch < o.NumberOfBatches }

// AdvanceBatch records a processed batch of count messages and moves the
// cursor to the next batch.
func (o *Operation) AdvanceBatch(count int) {
	o.NumberOfMessagesProcessed += count
	o.CurrentBatch++
}

// Clone returns an independent copy.
func (o *Operation) Clone() *Operation {
	c := *o
	return &c
}

// Batch is a persisted, ordered slice of the message ids an operation moves
// from its source status to its target status. A batch is deleted in the
// same transaction that applies it.
type Batch struct {
	ID          string
	RequestID   string
	ArchiveType ArchiveType
	Kind        OperationKind
	Number      int
	DocumentIDs []string
}

// BatchID is the deterministic key of the n-th batch of a request.
func BatchID(requestID string, archiveType ArchiveType, n int) string {
	return fmt.Sprintf("%s/%s/%d", requestID, archiveType, n)
}

// NumberOfBatchesFor returns how many batches of batchSize cover total messages.
func NumberOfBatchesFor(total, batchSize int) int {
	if total <= 0 || batchSize <= 0 {
		return 0
	}
	return (total + batchSize - 1) / batchSize
}

// SplitIntoBatches chunks ids in order into batches of at most batchSize,
// numbered from zero with BatchID ids.
func SplitIntoBatches(kind OperationKind, archiveType ArchiveType, requestID string, ids []string, batchSize int) ([]*Batch, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	batches := make([]*Batch, 0, NumberOfBatchesFor(len(ids), batchSize))
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		n := len(batches)
		batches = append(batches, &Batch{
			ID:          BatchID(requestID, archiveType, n),
			RequestID:   requestID,
			ArchiveType: archiveType,
			Kind:        kind,
			Number:      n,
			DocumentIDs: append([]string(nil), ids[start:end]...),
		})
	}
	return batches, nil
}

// GroupDetails describes a failure group as seen by an operation of a given kind.
type GroupDetails struct {
	ID    string
	Title string
	// Count is the number of messages in the group currently in the kind's source status.
	Count int
}
