package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every *NotFoundError through errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrIdempotencyConflict is returned when a live record already owns an
	// idempotency key.
	ErrIdempotencyConflict = errors.New("idempotency key already in use")
)

// ValidationError describes malformed input or an illegal state transition.
// It is surfaced to the caller and never retried.
type ValidationError struct {
	Field   string   `json:"field,omitempty"`
	Message string   `json:"error"`
	From    Status   `json:"from,omitempty"`
	To      Status   `json:"attempted,omitempty"`
	Allowed []Status `json:"allowed,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("%s (allowed: %v)", e.Message, e.Allowed)
	}
	return e.Message
}

// IsTransition reports whether the error came from the state machine.
func (e *ValidationError) IsTransition() bool {
	return e.From != ""
}

// NotFoundError reports a missing transaction, schedule or idempotency record.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewValidationError builds a field-level ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
