package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/infra/storage"
)

const selectHeartbeat = `
	SELECT id, endpoint_name, host, host_id, last_report_at, reported_status, disabled, version
	FROM heartbeats`

func scanHeartbeat(row pgx.Row) (*monitoring.Heartbeat, error) {
	var (
		id           pgtype.UUID
		lastReportAt pgtype.Timestamptz
		status       string
		hb           monitoring.Heartbeat
	)
	err := row.Scan(
		&id,
		&hb.EndpointDetails.Name,
		&hb.EndpointDetails.Host,
		&hb.EndpointDetails.HostID,
		&lastReportAt,
		&status,
		&hb.Disabled,
		&hb.Version,
	)
	if err != nil {
		return nil, err
	}
	hb.ID = uuid.UUID(id.Bytes)
	hb.ReportedStatus = monitoring.Status(status)
	if lastReportAt.Valid {
		hb.LastReportAt = lastReportAt.Time.UTC()
	}
	return &hb, nil
}

func (s *Store) LoadHeartbeat(ctx context.Context, id uuid.UUID) (*monitoring.Heartbeat, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("heartbeat_id", id.String()))

	var hb *monitoring.Heartbeat
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_heartbeat", dbAttrs, func(ctx context.Context) error {
		loaded, err := scanHeartbeat(s.db.QueryRow(ctx, selectHeartbeat+` WHERE id = $1`, pgtype.UUID{Bytes: id, Valid: true}))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load heartbeat query error: %w", err)
		}
		hb = loaded
		return nil
	})
	return hb, err
}

// StoreHeartbeat inserts when hb has never been stored and otherwise
// performs a version-checked update.
func (s *Store) StoreHeartbeat(ctx context.Context, hb *monitoring.Heartbeat) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("heartbeat_id", hb.ID.String()),
		attribute.String("endpoint", hb.EndpointDetails.Name),
		attribute.Int64("version", hb.Version),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.store_heartbeat", dbAttrs, func(ctx context.Context) error {
		id := pgtype.UUID{Bytes: hb.ID, Valid: true}

		if hb.IsNew() {
			tag, err := s.db.Exec(ctx, `
				INSERT INTO heartbeats (id, endpoint_name, host, host_id, last_report_at, reported_status, disabled, version)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
				ON CONFLICT (id) DO NOTHING`,
				id, hb.EndpointDetails.Name, hb.EndpointDetails.Host, hb.EndpointDetails.HostID,
				timestamptz(hb.LastReportAt), hb.ReportedStatus.String(), hb.Disabled,
			)
			if err != nil {
				return fmt.Errorf("insert heartbeat error: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: heartbeat %s already exists", monitoring.ErrConcurrencyConflict, hb.ID)
			}
			hb.Version = 1
			return nil
		}

		tag, err := s.db.Exec(ctx, `
			UPDATE heartbeats
			SET endpoint_name = $2,
				host = $3,
				host_id = $4,
				last_report_at = $5,
				reported_status = $6,
				disabled = $7,
				version = version + 1
			WHERE id = $1 AND version = $8`,
			id, hb.EndpointDetails.Name, hb.EndpointDetails.Host, hb.EndpointDetails.HostID,
			timestamptz(hb.LastReportAt), hb.ReportedStatus.String(), hb.Disabled, hb.Version,
		)
		if err != nil {
			return fmt.Errorf("update heartbeat error: %w", err)
		}
		if tag.RowsAffected() == 1 {
			hb.Version++
			return nil
		}

		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM heartbeats WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("heartbeat existence query error: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", monitoring.ErrHeartbeatNotFound, hb.ID)
		}
		return fmt.Errorf("%w: heartbeat %s, write carries version %d",
			monitoring.ErrConcurrencyConflict, hb.ID, hb.Version)
	})
}

// StreamHeartbeats iterates the heartbeats table in id order, one row at a
// time, while fn runs.
func (s *Store) StreamHeartbeats(ctx context.Context, fn func(*monitoring.Heartbeat) error) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.stream_heartbeats", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, selectHeartbeat+` ORDER BY id`)
		if err != nil {
			return fmt.Errorf("stream heartbeats query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			hb, err := scanHeartbeat(rows)
			if err != nil {
				return fmt.Errorf("scan heartbeat error: %w", err)
			}
			if err := fn(hb); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
