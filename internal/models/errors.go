package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the downloader, manager, scanner and HTTP layer.
// Low-level failures are classified into one of these before they leave the
// component that observed them; callers test with errors.Is and never parse
// message text.
var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthentication = errors.New("authentication required")
	ErrNetwork        = errors.New("network failure")
	ErrConflict       = errors.New("conflict")
	ErrIntegrity      = errors.New("integrity check failed")
	ErrNotFound       = errors.New("not found")
)

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
