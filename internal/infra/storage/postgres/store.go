// Package postgres implements the recoverability and monitoring persistence
// ports on PostgreSQL. Schema lives under db/migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/internal/infra/storage"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Store implements FailedMessageStore and HeartbeatRepository and hands out
// the per-kind document managers.
type Store struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var (
	_ recoverability.FailedMessageStore = (*Store)(nil)
	_ monitoring.HeartbeatRepository    = (*Store)(nil)
)

// NewStore creates a PostgreSQL-backed store with tracing capabilities.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{db: pool, tracer: tracer}
}

// SaveFailedMessages upserts each message and replaces its group
// classification in a single transaction.
func (s *Store) SaveFailedMessages(ctx context.Context, msgs ...*recoverability.FailedMessage) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int("message_count", len(msgs)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_failed_messages", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			for _, m := range msgs {
				_, err := tx.Exec(ctx, `
					INSERT INTO failed_messages (id, status, last_modified)
					VALUES ($1, $2, COALESCE($3, NOW()))
					ON CONFLICT (id) DO UPDATE
					SET status = EXCLUDED.status, last_modified = EXCLUDED.last_modified`,
					m.ID, m.Status.String(), timestamptz(m.LastModified),
				)
				if err != nil {
					return fmt.Errorf("upsert failed message %s error: %w", m.ID, err)
				}

				if _, err := tx.Exec(ctx, `DELETE FROM failed_message_groups WHERE message_id = $1`, m.ID); err != nil {
					return fmt.Errorf("clear groups of %s error: %w", m.ID, err)
				}
				for i, g := range m.FailureGroups {
					_, err := tx.Exec(ctx, `
						INSERT INTO failed_message_groups (message_id, group_id, title, type, position)
						VALUES ($1, $2, $3, $4, $5)`,
						m.ID, g.ID, g.Title, g.Type, i,
					)
					if err != nil {
						return fmt.Errorf("insert group %s of %s error: %w", g.ID, m.ID, err)
					}
				}
			}
			return nil
		})
	})
}

// GetFailedMessage returns the message with its groups, or nil if absent.
func (s *Store) GetFailedMessage(ctx context.Context, id string) (*recoverability.FailedMessage, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("message_id", id))

	var msg *recoverability.FailedMessage
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_failed_message", dbAttrs, func(ctx context.Context) error {
		var (
			status       string
			lastModified pgtype.Timestamptz
		)
		err := s.db.QueryRow(ctx,
			`SELECT status, last_modified FROM failed_messages WHERE id = $1`, id,
		).Scan(&status, &lastModified)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get failed message query error: %w", err)
		}

		rows, err := s.db.Query(ctx, `
			SELECT group_id, title, type FROM failed_message_groups
			WHERE message_id = $1 ORDER BY position`, id)
		if err != nil {
			return fmt.Errorf("get failure groups query error: %w", err)
		}
		groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (recoverability.FailureGroup, error) {
			var g recoverability.FailureGroup
			err := row.Scan(&g.ID, &g.Title, &g.Type)
			return g, err
		})
		if err != nil {
			return fmt.Errorf("scan failure groups error: %w", err)
		}

		msg = &recoverability.FailedMessage{
			ID:            id,
			Status:        recoverability.FailedMessageStatus(status),
			FailureGroups: groups,
			LastModified:  lastModified.Time.UTC(),
		}
		return nil
	})
	return msg, err
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
