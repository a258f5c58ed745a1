package recoverability

import "errors"

var (
	// ErrOperationAlreadyExists is returned by CreateOperation when another
	// writer materialized the same operation first.
	ErrOperationAlreadyExists = errors.New("operation already exists")

	// ErrConcurrencyConflict is returned when a versioned write finds the
	// record changed since it was loaded.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrOperationNotFound is returned when a write targets a missing operation.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrInvalidBatchSize is returned when a split is requested with a non-positive batch size.
	ErrInvalidBatchSize = errors.New("batch size must be positive")
)
