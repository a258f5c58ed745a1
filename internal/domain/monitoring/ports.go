package monitoring

import (
	"context"

	"github.com/google/uuid"
)

// HeartbeatRepository persists heartbeat documents.
type HeartbeatRepository interface {
	// LoadHeartbeat returns nil, nil when no document exists for id.
	LoadHeartbeat(ctx context.Context, id uuid.UUID) (*Heartbeat, error)

	// StoreHeartbeat inserts a new document (Version 0) or updates an
	// existing one if its version still matches. It returns
	// ErrConcurrencyConflict otherwise and advances hb.Version on success.
	StoreHeartbeat(ctx context.Context, hb *Heartbeat) error

	// StreamHeartbeats calls fn for every persisted heartbeat without
	// loading the whole collection at once. A non-nil error from fn stops
	// the stream and is returned.
	StreamHeartbeats(ctx context.Context, fn func(*Heartbeat) error) error
}
