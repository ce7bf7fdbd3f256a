package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks a rule/grant/audit store that failed or timed out.
	ErrStoreUnavailable = errors.New("policy store unavailable")
	// ErrEvaluationTimeout marks an evaluation that exceeded its deadline.
	ErrEvaluationTimeout = errors.New("policy evaluation timed out")
	// ErrNotFound is returned by stores for unknown IDs.
	ErrNotFound = errors.New("not found")
	// ErrGrantNotActive is returned when revoking a grant that already reached a terminal state.
	ErrGrantNotActive = errors.New("grant is not active")
)

// ValidationError rejects a malformed request or administrative write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
