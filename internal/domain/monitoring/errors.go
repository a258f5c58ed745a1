package monitoring

import "errors"

var (
	// ErrHeartbeatNotFound is returned when a heartbeat document does not exist.
	ErrHeartbeatNotFound = errors.New("heartbeat not found")

	// ErrInvalidHeartbeat marks a heartbeat message that can never be processed.
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")

	// ErrConcurrencyConflict is returned when a heartbeat changed since it was loaded.
	ErrConcurrencyConflict = errors.New("heartbeat concurrency conflict")
)
