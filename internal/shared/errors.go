package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidIdempotencyKey occurs when a supplied key is not a UUID.
	ErrInvalidIdempotencyKey = errors.New("idempotency key must be a UUID")
)
