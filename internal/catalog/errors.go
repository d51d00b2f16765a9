package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no service has the requested name.
	ErrNotFound = errors.New("service not found")
	// ErrPermission is returned when a manual-only operation targets a
	// discovered service.
	ErrPermission = errors.New("service is managed by discovery")
	// ErrDuplicateName is wrapped by the ValidationError returned when a
	// name is already taken.
	ErrDuplicateName = errors.New("service name already exists")
	// ErrSuperseded is returned when a check result no longer matches the
	// stored service because its URL changed while the check ran.
	ErrSuperseded = errors.New("service changed during check")

	errNoStore     = errors.New("catalog store not available")
	errNoEncrypter = errors.New("credential encryption not configured")
)

// ValidationError describes bad input on a manual operation.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}
