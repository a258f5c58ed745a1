package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/infra/storage"
)

func heartbeatKey(id uuid.UUID) []byte { return []byte(heartbeatPrefix + id.String()) }

func (s *Store) loadHeartbeat(id uuid.UUID) (*monitoring.Heartbeat, error) {
	var hb monitoring.Heartbeat
	found, err := s.getJSON(heartbeatKey(id), &hb)
	if err != nil || !found {
		return nil, err
	}
	return &hb, nil
}

func (s *Store) LoadHeartbeat(ctx context.Context, id uuid.UUID) (*monitoring.Heartbeat, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("heartbeat_id", id.String()))

	var hb *monitoring.Heartbeat
	err := storage.ExecuteAndTrace(ctx, s.tracer, "pebble.load_heartbeat", dbAttrs, func(context.Context) error {
		var err error
		hb, err = s.loadHeartbeat(id)
		return err
	})
	return hb, err
}

func (s *Store) StoreHeartbeat(ctx context.Context, hb *monitoring.Heartbeat) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("heartbeat_id", hb.ID.String()),
		attribute.Int64("version", hb.Version),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "pebble.store_heartbeat", dbAttrs, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, err := s.loadHeartbeat(hb.ID)
		if err != nil {
			return err
		}
		switch {
		case hb.IsNew() && current != nil:
			return fmt.Errorf("%w: heartbeat %s already exists", monitoring.ErrConcurrencyConflict, hb.ID)
		case !hb.IsNew() && current == nil:
			return fmt.Errorf("%w: %s", monitoring.ErrHeartbeatNotFound, hb.ID)
		case !hb.IsNew() && current.Version != hb.Version:
			return fmt.Errorf("%w: heartbeat %s at version %d, write carries %d",
				monitoring.ErrConcurrencyConflict, hb.ID, current.Version, hb.Version)
		}

		next := hb.Clone()
		next.Version++
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode heartbeat %s: %w", hb.ID, err)
		}
		if err := s.db.Set(heartbeatKey(hb.ID), data, pebble.Sync); err != nil {
			return err
		}
		hb.Version = next.Version
		return nil
	})
}

// StreamHeartbeats iterates the heartbeat keys in order, decoding one
// document at a time.
func (s *Store) StreamHeartbeats(ctx context.Context, fn func(*monitoring.Heartbeat) error) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "pebble.stream_heartbeats", defaultDBAttributes, func(ctx context.Context) error {
		return s.scanPrefix(ctx, []byte(heartbeatPrefix), func(key, value []byte) error {
			var hb monitoring.Heartbeat
			if err := json.Unmarshal(value, &hb); err != nil {
				return fmt.Errorf("decode %q: %w", key, err)
			}
			return fn(&hb)
		})
	})
}
