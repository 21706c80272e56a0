package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError is a fatal creation-time error: the step list or one of
// its descriptors is malformed. Never retried, returned synchronously.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NewValidationError builds a ValidationError with a formatted reason
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// OperationError is a failed forward or compensating call. Retryable
// operation errors (transport faults, timeouts) are retried per step up to
// the configured budget; non-retryable ones (the subgraph rejected the
// mutation) escalate immediately.
type OperationError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *OperationError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewOperationError builds a non-retryable operation error
func NewOperationError(code, message string) *OperationError {
	return &OperationError{Code: code, Message: message}
}

// NewRetryableOperationError builds a retryable operation error
func NewRetryableOperationError(code, message string) *OperationError {
	return &OperationError{Code: code, Message: message, Retryable: true}
}

// IsRetryableOperation reports whether err is an OperationError marked
// retryable. Anything that is not an OperationError is treated as a
// transport-level fault and considered retryable.
func IsRetryableOperation(err error) bool {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return true
}
