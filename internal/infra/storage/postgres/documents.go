package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/internal/infra/storage"
)

// DocumentManager is the PostgreSQL recoverability.DocumentManager for one kind.
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

const selectOperation = `
	SELECT id, request_id, archive_type, group_name, total_number_of_messages,
		number_of_messages_processed, number_of_batches, current_batch, started, version
	FROM recoverability_operations
	WHERE id = $1`

func (d *DocumentManager) LoadOperation(
	ctx context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
) (*recoverability.Operation, error) {
	id := recoverability.OperationID(d.kind, archiveType, requestID)

	var op *recoverability.Operation
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "postgres.load_operation", d.attrs(attribute.String("operation_id", id)),
		func(ctx context.Context) error {
			var (
				o          recoverability.Operation
				storedType string
				started    pgtype.Timestamptz
			)
			err := d.store.db.QueryRow(ctx, selectOperation, id).Scan(
				&o.ID,
				&o.RequestID,
				&storedType,
				&o.GroupName,
				&o.TotalNumberOfMessages,
				&o.NumberOfMessagesProcessed,
				&o.NumberOfBatches,
				&o.CurrentBatch,
				&started,
				&o.Version,
			)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load operation query error: %w", err)
			}
			o.Kind = d.kind
			o.ArchiveType = recoverability.ArchiveType(storedType)
			o.Started = started.Time.UTC()
			op = &o
			return nil
		})
	return op, err
}

// CreateOperation inserts the operation row and, in the same transaction,
// pages through the group's eligible ids in id order writing one batch row
// per page.
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
		ID:                    recoverability.OperationID(d.kind, archiveType, requestID),
		RequestID:             requestID,
		ArchiveType:           archiveType,
		Kind:                  d.kind,
		GroupName:             groupName,
		TotalNumberOfMessages: totalMessages,
		NumberOfBatches:       recoverability.NumberOfBatchesFor(totalMessages, batchSize),
		Started:               d.now().UTC(),
		Version:               1,
	}

	dbAttrs := d.attrs(
		attribute.String("operation_id", op.ID),
		attribute.Int("expected_messages", totalMessages),
		attribute.Int("batch_size", batchSize),
	)
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "postgres.create_operation", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, d.store.db, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				INSERT INTO recoverability_operations (
					id, kind, request_id, archive_type, group_name, total_number_of_messages,
					number_of_messages_processed, number_of_batches, current_batch, started, version
				) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, 0, $8, 1)
				ON CONFLICT (id) DO NOTHING`,
				op.ID, d.kind.String(), requestID, archiveType.String(), groupName,
				totalMessages, op.NumberOfBatches, op.Started,
			)
			if err != nil {
				return fmt.Errorf("insert operation error: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return recoverability.ErrOperationAlreadyExists
			}

			batches, messages, err := d.writeBatches(ctx, tx, requestID, archiveType, batchSize)
			if err != nil {
				return err
			}
			trace.SpanFromContext(ctx).AddEvent("batches_written", trace.WithAttributes(
				attribute.Int("batches", batches),
				attribute.Int("messages", messages),
			))

			// The group may have changed since it was counted; the
			// operation must describe exactly the batches written.
			if batches != op.NumberOfBatches || messages != op.TotalNumberOfMessages {
				_, err = tx.Exec(ctx, `
					UPDATE recoverability_operations
					SET total_number_of_messages = $2, number_of_batches = $3
					WHERE id = $1`,
					op.ID, messages, batches,
				)
				if err != nil {
					return fmt.Errorf("update operation totals error: %w", err)
				}
				op.NumberOfBatches = batches
				op.TotalNumberOfMessages = messages
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (d *DocumentManager) writeBatches(
	ctx context.Context,
	tx pgx.Tx,
	requestID string,
	archiveType recoverability.ArchiveType,
	batchSize int,
) (batches, messages int, err error) {
	var after string
	for {
		rows, err := tx.Query(ctx, `
			SELECT m.id
			FROM failed_messages m
			JOIN failed_message_groups g ON g.message_id = m.id
			WHERE g.group_id = $1 AND m.status = $2 AND m.id > $3
			ORDER BY m.id
			LIMIT $4`,
			requestID, d.kind.SourceStatus().String(), after, batchSize,
		)
		if err != nil {
			return batches, messages, fmt.Errorf("eligible ids query error: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return batches, messages, fmt.Errorf("scan eligible ids error: %w", err)
		}
		if len(ids) == 0 {
			return batches, messages, nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO recoverability_batches (kind, id, request_id, archive_type, number, document_ids)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			d.kind.String(), recoverability.BatchID(requestID, archiveType, batches), requestID, archiveType.String(), batches, ids,
		)
		if err != nil {
			return batches, messages, fmt.Errorf("insert batch %d error: %w", batches, err)
		}
		batches++
		messages += len(ids)

		if len(ids) < batchSize {
			return batches, messages, nil
		}
		after = ids[len(ids)-1]
	}
}

func (d *DocumentManager) GetBatch(
	ctx context.Context,
	op *recoverability.Operation,
	batchNumber int,
) (*recoverability.Batch, error) {
	id := recoverability.BatchID(op.RequestID, op.ArchiveType, batchNumber)

	var batch *recoverability.Batch
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "postgres.get_batch", d.attrs(attribute.String("batch_id", id)),
		func(ctx context.Context) error {
			b := recoverability.Batch{ID: id, Kind: d.kind}
			var storedType string
			err := d.store.db.QueryRow(ctx, `
				SELECT request_id, archive_type, number, document_ids
				FROM recoverability_batches
				WHERE kind = $1 AND id = $2`,
				d.kind.String(), id,
			).Scan(&b.RequestID, &storedType, &b.Number, &b.DocumentIDs)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get batch query error: %w", err)
			}
			b.ArchiveType = recoverability.ArchiveType(storedType)
			batch = &b
			return nil
		})
	return batch, err
}

// ApplyBatch moves the batch's messages that are still in the source status
// and deletes the batch row in one transaction.
func (d *DocumentManager) ApplyBatch(ctx context.Context, batch *recoverability.Batch) (int, error) {
	dbAttrs := d.attrs(
		attribute.String("batch_id", batch.ID),
		attribute.Int("document_count", len(batch.DocumentIDs)),
	)

	var patched int
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "postgres.apply_batch", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, d.store.db, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				UPDATE failed_messages
				SET status = $1, last_modified = $2
				WHERE id = ANY($3) AND status = $4`,
				d.kind.TargetStatus().String(), d.now().UTC(), batch.DocumentIDs, d.kind.SourceStatus().String(),
			)
			if err != nil {
				return fmt.Errorf("patch messages error: %w", err)
			}
			patched = int(tag.RowsAffected())

			if _, err := tx.Exec(ctx,
				`DELETE FROM recoverability_batches WHERE kind = $1 AND id = $2`, d.kind.String(), batch.ID,
			); err != nil {
				return fmt.Errorf("delete batch error: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return patched, nil
}

func (d *DocumentManager) UpdateOperation(ctx context.Context, op *recoverability.Operation) error {
	dbAttrs := d.attrs(
		attribute.String("operation_id", op.ID),
		attribute.Int64("version", op.Version),
		attribute.Int("current_batch", op.CurrentBatch),
	)

	return storage.ExecuteAndTrace(ctx, d.store.tracer, "postgres.update_operation", dbAttrs, func(ctx context.Context) error {
		tag, err := d.store.db.Exec(ctx, `
			UPDATE recoverability_operations
			SET group_name = $2,
				total_number_of_messages = $3,
				number_of_messages_processed = $4,
				number_of_batches = $5,
				current_batch = $6,
				version = version + 1
			WHERE id = $1 AND version = $7`,
			op.ID, op.GroupName, op.TotalNumberOfMessages, op.NumberOfMessagesProcessed,
			op.NumberOfBatches, op.CurrentBatch, op.Version,
		)
		if err != nil {
			return fmt.Errorf("update operation error: %w", err)
		}
		if tag.RowsAffected() == 1 {
			op.Version++
			return nil
		}

		var exists bool
		if err := d.store.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM recoverability_operations WHERE id = $1)`, op.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("operation existence query error: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", recoverability.ErrOperationNotFound, op.ID)
		}
		return fmt.Errorf("%w: operation %s, write carries version %d",
			recoverability.ErrConcurrencyConflict, op.ID, op.Version)
	})
}

// WaitForIndexCatchUp polls until no batch of the request remains.
func (d *DocumentManager) WaitForIndexCatchUp(
	ctx context.Context,
	requestID string,
	archiveType recoverability.ArchiveType,
	timeout time.Duration,
) (bool, error) {
	dbAttrs := d.attrs(
		attribute.String("request_id", requestID),
		attribute.String("timeout", timeout.String()),
	)

	var caughtUp bool
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "postgres.wait_for_index_catch_up", dbAttrs, func(ctx context.Context) error {
		var err error
		caughtUp, err = storage.WaitUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
			var pending bool
			err := d.store.db.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM recoverability_batches
					WHERE kind = $1 AND request_id = $2 AND archive_type = $3
				)`,
				d.kind.String(), requestID, archiveType.String(),
			).Scan(&pending)
			if err != nil {
				return false, fmt.Errorf("pending batches query error: %w", err)
			}
			return !pending, nil
		})
		return err
	})
	return caughtUp, err
}

func (d *DocumentManager) RemoveOperation(ctx context.Context, op *recoverability.Operation) error {
	return storage.ExecuteAndTrace(ctx, d.store.tracer, "postgres.remove_operation", d.attrs(attribute.String("operation_id", op.ID)),
		func(ctx context.Context) error {
			if _, err := d.store.db.Exec(ctx, `DELETE FROM recoverability_operations WHERE id = $1`, op.ID); err != nil {
				return fmt.Errorf("remove operation error: %w", err)
			}
			return nil
		})
}

func (d *DocumentManager) GetGroupDetails(ctx context.Context, groupID string) (*recoverability.GroupDetails, error) {
	var details *recoverability.GroupDetails
	err := storage.ExecuteAndTrace(ctx, d.store.tracer, "postgres.get_group_details", d.attrs(attribute.String("group_id", groupID)),
		func(ctx context.Context) error {
			var (
				title    pgtype.Text
				members  int
				eligible int
			)
			err := d.store.db.QueryRow(ctx, `
				SELECT MIN(g.title), COUNT(*), COUNT(*) FILTER (WHERE m.status = $2)
				FROM failed_message_groups g
				JOIN failed_messages m ON m.id = g.message_id
				WHERE g.group_id = $1`,
				groupID, d.kind.SourceStatus().String(),
			).Scan(&title, &members, &eligible)
			if err != nil {
				return fmt.Errorf("group details query error: %w", err)
			}
			if members == 0 {
				return nil
			}
			details = &recoverability.GroupDetails{ID: groupID, Title: title.String, Count: eligible}
			return nil
		})
	return details, err
}
