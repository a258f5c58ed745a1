package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/internal/infra/storage"
)

// DocumentManager is the Pebble recoverability.DocumentManager for one kind.
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

func (d *DocumentManager) attrs(kv ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(kv)+1)
	out = append(out, defaultDBAttributes...)
	out = append(out, attribute.String("kind", d.kind.String()))
	return append(out, kv...)
}

func operationKey(id string) []byte { return []byte(operationPrefix + id) }

func (d *DocumentManager) requestBatchPrefix(requestID string, archiveType recoverability.ArchiveType) []byte {
	return []byte(batchPrefix + d.kind.String() + "/" + keySegment(requestID) + "/" + archiveType.String() + "/")
}

func (d *DocumentManager) batchKey(requestID string, archiveType recoverability.ArchiveType, number int) []byte {
	return strconv.AppendInt(d.requestBatchPrefix(requestID, archiveType), int64(number), 10)
}

func (d *DocumentManager) loadOperation(id string) (*recoverability.Operation, error) {
	var op recoverability.Operation
	found, err := d.store.getJSON(operationKey(id), &op)
	if err != nil || !found {
		return nil, err
	}
	return &op, nil
}

func (d *DocumentManager) LoadOperation(
	ctx context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
) (*recoverability.Operation, error) {
	id := recoverability.OperationID(d.kind, archiveType, requestID)

	var op *recoverability.Operation
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "pebble.load_operation", d.attrs(attribute.String("operation_id", id)),
		func(context.Context) error {
			var err error
			op, err = d.loadOperation(id)
			return err
		})
	return op, err
}

// CreateOperation streams the group index and writes one batch per
// batchSize eligible ids. The operation's totals come from the batches
// written, not from totalMessages, so messages that joined or left the
// group since it was counted cannot leave a batch unreachable.
func (d *DocumentManager) CreateOperation(
	ctx context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
	totalMessages int,
	groupName string,
	batchSize int,
) (*recoverability.Operation, error) {
	if batchSize <= 0 {
		return nil, recoverability.ErrInvalidBatchSize
	}

	op := &recoverability.Operation{
		ID:          recoverability.OperationID(d.kind, archiveType, requestID),
		RequestID:   requestID,
		ArchiveType: archiveType,
		Kind:        d.kind,
		GroupName:   groupName,
		Started:     d.now().UTC(),
		Version:     1,
	}

	dbAttrs := d.attrs(
		attribute.String("operation_id", op.ID),
		attribute.Int("expected_messages", totalMessages),
		attribute.Int("batch_size", batchSize),
	)
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "pebble.create_operation", dbAttrs, func(ctx context.Context) error {
		d.store.mu.Lock()
		defer d.store.mu.Unlock()

		existing, err := d.loadOperation(op.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return recoverability.ErrOperationAlreadyExists
		}

		b := d.store.db.NewBatch()
		defer b.Close()

		page := make([]string, 0, batchSize)
		flush := func() error {
			if len(page) == 0 {
				return nil
			}
			n := op.NumberOfBatches
			batch := &recoverability.Batch{
				ID:          recoverability.BatchID(requestID, archiveType, n),
				RequestID:   requestID,
				ArchiveType: archiveType,
				Kind:        d.kind,
				Number:      n,
				DocumentIDs: page,
			}
			if err := setJSON(b, d.batchKey(requestID, archiveType, n), batch); err != nil {
				return err
			}
			op.NumberOfBatches++
			op.TotalNumberOfMessages += len(page)
			page = make([]string, 0, batchSize)
			return nil
		}

		source := d.kind.SourceStatus()
		err = d.store.forEachGroupMember(ctx, requestID, func(id string) error {
			var m recoverability.FailedMessage
			found, err := d.store.getJSON(messageKey(id), &m)
			if err != nil {
				return err
			}
			if !found || m.Status != source {
				return nil
			}
			page = append(page, id)
			if len(page) == batchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}

		if err := setJSON(b, operationKey(op.ID), op); err != nil {
			return err
		}
		return b.Commit(pebble.Sync)
	})
	if err != nil {
		return nil, err
	}
	return op.Clone(), nil
}

func (d *DocumentManager) GetBatch(
	ctx context.Context,
	op *recoverability.Operation,
	batchNumber int,
) (*recoverability.Batch, error) {
	id := recoverability.BatchID(op.RequestID, op.ArchiveType, batchNumber)

	var batch *recoverability.Batch
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "pebble.get_batch", d.attrs(attribute.String("batch_id", id)),
		func(context.Context) error {
			var b recoverability.Batch
			found, err := d.store.getJSON(d.batchKey(op.RequestID, op.ArchiveType, batchNumber), &b)
			if err != nil || !found {
				return err
			}
			batch = &b
			return nil
		})
	return batch, err
}

// ApplyBatch patches the batch's messages and deletes the batch in one
// Pebble batch commit.
func (d *DocumentManager) ApplyBatch(ctx context.Context, batch *recoverability.Batch) (int, error) {
	dbAttrs := d.attrs(
		attribute.String("batch_id", batch.ID),
		attribute.Int("document_count", len(batch.DocumentIDs)),
	)

	var patched int
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "pebble.apply_batch", dbAttrs, func(ctx context.Context) error {
		d.store.mu.Lock()
		defer d.store.mu.Unlock()

		b := d.store.db.NewBatch()
		defer b.Close()

		source, target := d.kind.SourceStatus(), d.kind.TargetStatus()
		now := d.now().UTC()
		count := 0
		for _, id := range batch.DocumentIDs {
			var m recoverability.FailedMessage
			found, err := d.store.getJSON(messageKey(id), &m)
			if err != nil {
				return err
			}
			if !found || m.Status != source {
				continue
			}
			m.Status = target
			m.LastModified = now
			if err := setJSON(b, messageKey(id), &m); err != nil {
				return err
			}
			count++
		}
		if err := b.Delete(d.batchKey(batch.RequestID, batch.ArchiveType, batch.Number), nil); err != nil {
			return err
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return err
		}
		patched = count
		return nil
	})
	return patched, err
}

func (d *DocumentManager) UpdateOperation(ctx context.Context, op *recoverability.Operation) error {
	dbAttrs := d.attrs(
		attribute.String("operation_id", op.ID),
		attribute.Int64("version", op.Version),
		attribute.Int("current_batch", op.CurrentBatch),
	)

	return storage.ExecuteAndTrace(ctx, d.store.tracer, "pebble.update_operation", dbAttrs, func(context.Context) error {
		d.store.mu.Lock()
		defer d.store.mu.Unlock()

		current, err := d.loadOperation(op.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", recoverability.ErrOperationNotFound, op.ID)
		}
		if current.Version != op.Version {
			return fmt.Errorf("%w: operation %s at version %d, write carries %d",
				recoverability.ErrConcurrencyConflict, op.ID, current.Version, op.Version)
		}

		next := op.Clone()
		next.Version++

		b := d.store.db.NewBatch()
		defer b.Close()
		if err := setJSON(b, operationKey(op.ID), next); err != nil {
			return err
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return err
		}
		op.Version = next.Version
		return nil
	})
}

// WaitForIndexCatchUp polls until no batch key of the request remains.
func (d *DocumentManager) WaitForIndexCatchUp(
	ctx context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
	timeout time.Duration,
) (bool, error) {
	prefix := d.requestBatchPrefix(requestID, archiveType)
	dbAttrs := d.attrs(
		attribute.String("request_id", requestID),
		attribute.String("timeout", timeout.String()),
	)

	var caughtUp bool
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "pebble.wait_for_index_catch_up", dbAttrs, func(ctx context.Context) error {
		var err error
		caughtUp, err = storage.WaitUntil(ctx, timeout, func(context.Context) (bool, error) {
			pending, err := d.store.hasPrefix(prefix)
			return !pending, err
		})
		return err
	})
	return caughtUp, err
}

func (d *DocumentManager) RemoveOperation(ctx context.Context, op *recoverability.Operation) error {
	return storage.ExecuteAndTrace(ctx, d.store.tracer, "pebble.remove_operation", d.attrs(attribute.String("operation_id", op.ID)),
		func(context.Context) error {
			d.store.mu.Lock()
			defer d.store.mu.Unlock()
			return d.store.db.Delete(operationKey(op.ID), pebble.Sync)
		})
}

func (d *DocumentManager) GetGroupDetails(ctx context.Context, groupID string) (*recoverability.GroupDetails, error) {
	var details *recoverability.GroupDetails
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "pebble.get_group_details", d.attrs(attribute.String("group_id", groupID)),
		func(ctx context.Context) error {
			out := &recoverability.GroupDetails{ID: groupID}
			members := 0
			source := d.kind.SourceStatus()
			err := d.store.forEachGroupMember(ctx, groupID, func(id string) error {
				var m recoverability.FailedMessage
				found, err := d.store.getJSON(messageKey(id), &m)
				if err != nil || !found {
					return err
				}
				members++
				if out.Title == "" {
					if g, ok := m.Group(groupID); ok {
						out.Title = g.Title
					}
				}
				if m.Status == source {
					out.Count++
				}
				return nil
			})
			if err != nil {
				return err
			}
			if members == 0 {
				return nil
			}
			details = out
			return nil
		})
	return details, err
}
