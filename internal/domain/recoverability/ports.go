package recoverability

import (
	"context"
	"time"
)

// DocumentManager is the persistence port for one operation kind. Each
// adapter hands out one instance for archiving and one for unarchiving.
type DocumentManager interface {
	// Kind is the direction this manager moves messages in.
	Kind() OperationKind

	// LoadOperation returns nil, nil when no operation exists for the request.
	LoadOperation(ctx context.Context, requestID string, archiveType ArchiveType) (*Operation, error)

	// CreateOperation materializes the operation and every batch in one unit.
	// The eligible ids are read in stable order and chunked by batchSize.
	// Returns ErrOperationAlreadyExists if another writer won the race.
	CreateOperation(
		ctx context.Context,
		requestID string,
		archiveType ArchiveType,
		totalMessages int,
		groupName string,
		batchSize int,
	) (*Operation, error)

	// GetBatch returns nil, nil when the batch has already been applied.
	GetBatch(ctx context.Context, op *Operation, batchNumber int) (*Batch, error)

	// ApplyBatch patches every message in the batch to the kind's target
	// status and deletes the batch atomically. It returns the number of
	// messages that changed status.
	ApplyBatch(ctx context.Context, batch *Batch) (int, error)

	// UpdateOperation persists the operation's counters. Returns
	// ErrConcurrencyConflict when op.Version is stale; on success op.Version
	// is advanced.
	UpdateOperation(ctx context.Context, op *Operation) error

	// WaitForIndexCatchUp blocks until queries for the request reflect every
	// applied batch or timeout elapses, returning false on timeout.
	WaitForIndexCatchUp(ctx context.Context, requestID string, archiveType ArchiveType, timeout time.Duration) (bool, error)

	RemoveOperation(ctx context.Context, op *Operation) error

	// GetGroupDetails returns the group's title and the count of messages
	// eligible for this kind. It returns nil, nil for an unknown group.
	GetGroupDetails(ctx context.Context, groupID string) (*GroupDetails, error)
}

// FailedMessageStore reads and writes failed message documents.
type FailedMessageStore interface {
	SaveFailedMessages(ctx context.Context, msgs ...*FailedMessage) error
	// GetFailedMessage returns nil, nil when the message does not exist.
	GetFailedMessage(ctx context.Context, id string) (*FailedMessage, error)
}

// RetryStatusChecker reports whether a retry is currently being issued for a request.
type RetryStatusChecker interface {
	IsRetryInProgressFor(requestID string) bool
}
