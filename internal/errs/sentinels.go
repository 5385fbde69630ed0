// Package errs contains sentinel errors and typed failures used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a concurrent modification was detected.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller does not own the entity.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., category name taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation is matched by every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrFinalTransaction indicates an attempt to modify a completed, cancelled or expired redemption.
	ErrFinalTransaction = errors.New("final transactions cannot be modified")
)
