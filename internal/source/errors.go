package source

import (
	"errors"
	"fmt"
	"time"
)

// APIError represents a non-rate-limit source API failure.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source API error (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("source API error (status %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError
func NewAPIError(statusCode int, message string, err error) *APIError {
	return &APIError{StatusCode: statusCode, Message: message, Err: err}
}

// RateLimitError represents a hard rate-limit rejection on an endpoint that
// has no pause-signal path (e.g. the repository metadata call).
type RateLimitError struct {
	ResetTime time.Time
	Remaining int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("source API rate limit exceeded, resets at %v (remaining: %d)",
		e.ResetTime, e.Remaining)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// ValidationError represents invalid input to client methods
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
