package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
)

func (s *Store) LoadHeartbeat(_ context.Context, id uuid.UUID) (*monitoring.Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hb, ok := s.heartbeats[id]
	if !ok {
		return nil, nil
	}
	return hb.Clone(), nil
}

func (s *Store) StoreHeartbeat(_ context.Context, hb *monitoring.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.heartbeats[hb.ID]
	switch {
	case hb.IsNew() && exists:
		return fmt.Errorf("%w: heartbeat %s already exists", monitoring.ErrConcurrencyConflict, hb.ID)
	case !hb.IsNew() && !exists:
		return fmt.Errorf("%w: %s", monitoring.ErrHeartbeatNotFound, hb.ID)
	case !hb.IsNew() && current.Version != hb.Version:
		return fmt.Errorf("%w: heartbeat %s at version %d, write carries %d",
			monitoring.ErrConcurrencyConflict, hb.ID, current.Version, hb.Version)
	}

	hb.Version++
	s.heartbeats[hb.ID] = hb.Clone()
	return nil
}

// StreamHeartbeats visits heartbeats in id order over a snapshot of the ids.
func (s *Store) StreamHeartbeats(ctx context.Context, fn func(*monitoring.Heartbeat) error) error {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.heartbeats))
	for id := range s.heartbeats {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		hb, err := s.LoadHeartbeat(ctx, id)
		if err != nil {
			return err
		}
		if hb == nil {
			continue
		}
		if err := fn(hb); err != nil {
			return err
		}
	}
	return nil
}
