package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
)

// DocumentManager is the in-memory recoverability.DocumentManager for one kind.
type DocumentManager struct {
	store *Store
	kind  recoverability.OperationKind
	now   func() time.Time
}

var _ recoverability.DocumentManager = (*DocumentManager)(nil)

// NewArchiveDocumentManager returns the archive-kind manager over s.
func NewArchiveDocumentManager(s *Store) *DocumentManager {
	return &DocumentManager{store: s, kind: recoverability.KindArchive, now: time.Now}
}

// NewUnarchiveDocumentManager returns the unarchive-kind manager over s.
func NewUnarchiveDocumentManager(s *Store) *DocumentManager {
	return &DocumentManager{store: s, kind: recoverability.KindUnarchive, now: time.Now}
}

func (d *DocumentManager) Kind() recoverability.OperationKind { return d.kind }

func (d *DocumentManager) batchKey(batchID string) string {
	return d.kind.String() + "/" + batchID
}

func (d *DocumentManager) LoadOperation(
	_ context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
) (*recoverability.Operation, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	op, ok := d.store.operations[recoverability.OperationID(d.kind, archiveType, requestID)]
	if !ok {
		return nil, nil
	}
	return op.Clone(), nil
}

// eligibleIDsLocked returns, in id order, the messages of the group in the
// kind's source status.
func (d *DocumentManager) eligibleIDsLocked(groupID string) []string {
	source := d.kind.SourceStatus()
	var ids []string
	for id, m := range d.store.messages {
		if m.Status == source && m.InGroup(groupID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (d *DocumentManager) CreateOperation(
	_ context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
	totalMessages int,
	groupName string,
	batchSize int,
) (*recoverability.Operation, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	id := recoverability.OperationID(d.kind, archiveType, requestID)
	if _, exists := d.store.operations[id]; exists {
		return nil, recoverability.ErrOperationAlreadyExists
	}

	ids := d.eligibleIDsLocked(requestID)
	batches, err := recoverability.SplitIntoBatches(d.kind, archiveType, requestID, ids, batchSize)
	if err != nil {
		return nil, err
	}

	// Totals follow the ids split now; totalMessages may be stale.
	op := &recoverability.Operation{
		ID:                    id,
		RequestID:             requestID,
		ArchiveType:           archiveType,
		Kind:                  d.kind,
		GroupName:             groupName,
		TotalNumberOfMessages: len(ids),
		NumberOfBatches:       len(batches),
		Started:               d.now().UTC(),
		Version:               1,
	}
	d.store.operations[id] = op
	for _, b := range batches {
		d.store.batches[d.batchKey(b.ID)] = b
	}
	return op.Clone(), nil
}

func (d *DocumentManager) GetBatch(
	_ context.Context,
	op *recoverability.Operation,
	batchNumber int,
) (*recoverability.Batch, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	b, ok := d.store.batches[d.batchKey(recoverability.BatchID(op.RequestID, op.ArchiveType, batchNumber))]
	if !ok {
		return nil, nil
	}
	c := *b
	c.DocumentIDs = slices.Clone(b.DocumentIDs)
	return &c, nil
}

func (d *DocumentManager) ApplyBatch(_ context.Context, batch *recoverability.Batch) (int, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	source, target := d.kind.SourceStatus(), d.kind.TargetStatus()
	now := d.now().UTC()
	patched := 0
	for _, id := range batch.DocumentIDs {
		m, ok := d.store.messages[id]
		if !ok || m.Status != source {
			continue
		}
		m.Status = target
		m.LastModified = now
		patched++
	}
	delete(d.store.batches, d.batchKey(batch.ID))
	return patched, nil
}

func (d *DocumentManager) UpdateOperation(_ context.Context, op *recoverability.Operation) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	current, ok := d.store.operations[op.ID]
	if !ok {
		return fmt.Errorf("%w: %s", recoverability.ErrOperationNotFound, op.ID)
	}
	if current.Version != op.Version {
		return fmt.Errorf("%w: operation %s at version %d, write carries %d",
			recoverability.ErrConcurrencyConflict, op.ID, current.Version, op.Version)
	}
	op.Version++
	d.store.operations[op.ID] = op.Clone()
	return nil
}

// WaitForIndexCatchUp reports whether every batch of the request has been
// applied. Reads are consistent here, so there is nothing to wait for.
func (d *DocumentManager) WaitForIndexCatchUp(
	_ context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
	_ time.Duration,
) (bool, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	for _, b := range d.store.batches {
		if b.Kind == d.kind && b.RequestID == requestID && b.ArchiveType == archiveType {
			return false, nil
		}
	}
	return true, nil
}

func (d *DocumentManager) RemoveOperation(_ context.Context, op *recoverability.Operation) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	delete(d.store.operations, op.ID)
	return nil
}

func (d *DocumentManager) GetGroupDetails(_ context.Context, groupID string) (*recoverability.GroupDetails, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	var (
		title string
		known bool
		count int
	)
	source := d.kind.SourceStatus()
	for _, m := range d.store.messages {
		g, ok := m.Group(groupID)
		if !ok {
			continue
		}
		known = true
		if title == "" {
			title = g.Title
		}
		if m.Status == source {
			count++
		}
	}
	if !known {
		return nil, nil
	}
	return &recoverability.GroupDetails{ID: groupID, Title: title, Count: count}, nil
}
