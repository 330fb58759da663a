package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// ErrCodeInvalidConfig marks bad registration or configuration input
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	// ErrCodeNotFound marks an unknown group, instance or revision
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeNoHealthyBackend marks an empty candidate set at selection time
	ErrCodeNoHealthyBackend ErrorCode = "NO_HEALTHY_BACKEND"
	// ErrCodeCircuitOpen marks a fast-fail from a protecting circuit breaker
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeExecutionFailed marks a backend or transport failure
	ErrCodeExecutionFailed ErrorCode = "EXECUTION_FAILED"
	// ErrCodeRequestTimeout marks an execution abandoned at the caller's deadline
	ErrCodeRequestTimeout ErrorCode = "REQUEST_TIMEOUT"
	// ErrCodeRolloutFailed marks a revision that never reached health
	ErrCodeRolloutFailed ErrorCode = "ROLLOUT_FAILED"
	// ErrCodeInternalError marks anything else
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels usable with errors.Is; matching is by code only.
var (
	ErrInvalidConfig    = &PlaneError{Code: ErrCodeInvalidConfig}
	ErrNotFound         = &PlaneError{Code: ErrCodeNotFound}
	ErrNoHealthyBackend = &PlaneError{Code: ErrCodeNoHealthyBackend}
	ErrCircuitOpen      = &PlaneError{Code: ErrCodeCircuitOpen}
	ErrExecutionFailed  = &PlaneError{Code: ErrCodeExecutionFailed}
	ErrRequestTimeout   = &PlaneError{Code: ErrCodeRequestTimeout}
	ErrRolloutFailed    = &PlaneError{Code: ErrCodeRolloutFailed}
)

// PlaneError represents a structured error with context
type PlaneError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *PlaneError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Unwrap returns the underlying error
func (e *PlaneError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *PlaneError) Is(target error) bool {
	if t, ok := target.(*PlaneError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *PlaneError) WithMetadata(key string, value interface{}) *PlaneError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable returns true if the error might be resolved by retrying later
func (e *PlaneError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNoHealthyBackend, ErrCodeCircuitOpen, ErrCodeExecutionFailed, ErrCodeRequestTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *PlaneError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeNoHealthyBackend, ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrCodeExecutionFailed:
		return http.StatusBadGateway
	case ErrCodeRequestTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeRolloutFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new PlaneError
func NewError(code ErrorCode, component, message string) *PlaneError {
	return &PlaneError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with PlaneError structure
func WrapError(err error, code ErrorCode, component, message string) *PlaneError {
	if err == nil {
		return nil
	}

	return &PlaneError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// NewInvalidConfigError creates an error for rejected configuration input
func NewInvalidConfigError(component, format string, args ...interface{}) *PlaneError {
	return NewError(ErrCodeInvalidConfig, component, fmt.Sprintf(format, args...))
}

// NewNotFoundError creates an error for an unknown entity
func NewNotFoundError(component, kind, id string) *PlaneError {
	return NewError(ErrCodeNotFound, component, fmt.Sprintf("%s %q not found", kind, id)).
		WithMetadata(kind, id)
}

// NewNoHealthyBackendError creates an error when selection finds no candidate
func NewNoHealthyBackendError(capabilityType string) *PlaneError {
	return NewError(
		ErrCodeNoHealthyBackend,
		"orchestrator",
		fmt.Sprintf("no healthy backend available for capability %s", capabilityType),
	).WithMetadata("capability_type", capabilityType)
}

// NewCircuitOpenError creates a circuit breaker fast-fail error
func NewCircuitOpenError(instanceID string) *PlaneError {
	return NewError(
		ErrCodeCircuitOpen,
		"circuit_breaker",
		fmt.Sprintf("circuit breaker is open for instance %s", instanceID),
	).WithMetadata("instance_id", instanceID)
}

// NewExecutionError creates an error for a failed backend execution
func NewExecutionError(instanceID string, attempts int, cause error) *PlaneError {
	return WrapError(
		cause,
		ErrCodeExecutionFailed,
		"orchestrator",
		fmt.Sprintf("execution failed after %d attempt(s)", attempts),
	).WithMetadata("instance_id", instanceID).WithMetadata("attempts", attempts)
}

// NewTimeoutError creates an error for an execution abandoned at its deadline
func NewTimeoutError(instanceID string, attempts int, cause error) *PlaneError {
	return WrapError(
		cause,
		ErrCodeRequestTimeout,
		"orchestrator",
		fmt.Sprintf("request timed out after %d attempt(s)", attempts),
	).WithMetadata("instance_id", instanceID).WithMetadata("attempts", attempts)
}

// NewRolloutError creates an error for an aborted rollout
func NewRolloutError(group string, revision int, cause error) *PlaneError {
	return WrapError(
		cause,
		ErrCodeRolloutFailed,
		"orchestrator",
		fmt.Sprintf("rollout of group %s to revision %d failed", group, revision),
	).WithMetadata("group", group).WithMetadata("revision", revision)
}

// IsPlaneError checks if an error is a PlaneError
func IsPlaneError(err error) bool {
	var pErr *PlaneError
	return errors.As(err, &pErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var pErr *PlaneError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var pErr *PlaneError
	if errors.As(err, &pErr) {
		return pErr.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var pErr *PlaneError
	if errors.As(err, &pErr) {
		return pErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
