package models

import (
	"errors"
	"fmt"
)

// Domain error signals. Handlers map these onto HTTP status codes;
// anything not in this set is treated as a system failure.
var (
	// ErrNotFound: the referenced job, task, or client does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOwnership: the resource exists but belongs to another client.
	// Kept distinct from ErrNotFound; handlers answer 403, not 404.
	ErrOwnership = errors.New("resource owned by another client")

	// ErrUnauthorized: missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrScope: authenticated, but the required scope is not granted.
	ErrScope = errors.New("insufficient scope")

	// ErrRateLimited: the per-client request or message budget is spent.
	ErrRateLimited = errors.New("rate limited")

	// ErrDuplicate: a job or client with that id already exists. Task
	// duplicates surface as ValidationError instead.
	ErrDuplicate = errors.New("duplicate")
)

// ValidationError reports malformed input before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
