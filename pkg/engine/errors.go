package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an action error for retry and cleanup logic.
type ErrorClass string

const (
	// ErrorClassConfig indicates invalid task configuration. Raised before
	// any side effect and surfaced to the operator.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassTransient indicates a temporary provider failure that may
	// succeed on a later invocation. The idempotency marker is left in
	// place so a later run can resume via the staleness check.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates provider rate limiting.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassOperation indicates a provider terminal-failure status.
	// Fatal for the run; markers and partial tags are cleared before the
	// error propagates.
	ErrorClassOperation ErrorClass = "operation"

	// ErrorClassPartial indicates the primary operation succeeded but a
	// finalization step failed. The primary is never reversed or re-run.
	ErrorClassPartial ErrorClass = "partial"

	// ErrorClassTimeout indicates the run exceeded the action's completion
	// timeout without reaching a terminal status.
	ErrorClassTimeout ErrorClass = "timeout"
)

// ActionError is a classified error with resource and operation context.
type ActionError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the provider id of the resource involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the provider operation being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	var b []byte
	b = fmt.Appendf(b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		b = fmt.Appendf(b, " (resource=%s", e.Resource)
		if e.Operation != "" {
			b = fmt.Appendf(b, ", operation=%s", e.Operation)
		}
		b = append(b, ')')
	}
	if e.Err != nil {
		b = fmt.Appendf(b, ": %s", e.Err.Error())
	}
	return string(b)
}

// Unwrap returns the underlying error for chain inspection.
func (e *ActionError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so callers can compare against sentinel
// classifications with errors.Is.
func (e *ActionError) Is(target error) bool {
	t, ok := target.(*ActionError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithResource adds resource context to the error.
func (e *ActionError) WithResource(id string) *ActionError {
	e.Resource = id
	return e
}

// WithOperation adds operation context to the error.
func (e *ActionError) WithOperation(op string) *ActionError {
	e.Operation = op
	return e
}

// WithCode adds an error code to the error.
func (e *ActionError) WithCode(code string) *ActionError {
	e.Code = code
	return e
}

// NewConfigError creates a configuration error.
func NewConfigError(message string, err error) *ActionError {
	return &ActionError{Class: ErrorClassConfig, Message: message, Err: err}
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *ActionError {
	return &ActionError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a throttled error.
func NewThrottledError(message string, err error) *ActionError {
	return &ActionError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewOperationError creates a terminal provider-failure error.
func NewOperationError(message string, err error) *ActionError {
	return &ActionError{Class: ErrorClassOperation, Message: message, Err: err}
}

// NewPartialError creates an error for a failed finalization step after
// a successful primary operation.
func NewPartialError(message string, err error) *ActionError {
	return &ActionError{Class: ErrorClassPartial, Message: message, Err: err}
}

// NewTimeoutError creates a completion-timeout error.
func NewTimeoutError(message string) *ActionError {
	return &ActionError{Class: ErrorClassTimeout, Message: message}
}

// IsConfig reports whether err is classified as a configuration error.
func IsConfig(err error) bool { return hasClass(err, ErrorClassConfig) }

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsThrottled reports whether err is classified as throttled.
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

// IsOperationFailed reports whether err is a terminal provider failure.
func IsOperationFailed(err error) bool { return hasClass(err, ErrorClassOperation) }

// IsTimeout reports whether err is a completion timeout.
func IsTimeout(err error) bool { return hasClass(err, ErrorClassTimeout) }

// IsRetryable reports whether a later invocation may succeed. Transient and
// throttled errors are retryable; everything else is not.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

func hasClass(err error, class ErrorClass) bool {
	var e *ActionError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeProviderFailed  = "PROVIDER_FAILED"
	ErrCodeMarkerConflict  = "MARKER_CONFLICT"
	ErrCodePermissionGrant = "PERMISSION_GRANT_FAILED"
)
