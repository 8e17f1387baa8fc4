// Package errors provides standardized error handling for the adhesion flow.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Local validation: the submission never reached the network.
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Business rejections resolved by the backend.
	ErrCodeUserAlreadyExists ErrorCode = "USER_ALREADY_EXIST"
	ErrCodeConfirmEmail      ErrorCode = "CONFIRM_EMAIL"
	ErrCodeBusinessRejected  ErrorCode = "BUSINESS_REJECTED"

	// The call never produced a backend decision.
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"

	// Required identity fields missing before a step submission.
	ErrCodeMissingIdentity ErrorCode = "MISSING_IDENTITY"

	// Programming-contract violations. These fail loudly; they must never
	// occur when the sequence invariant holds.
	ErrCodeStepNotInSequence ErrorCode = "STEP_NOT_IN_SEQUENCE"

	ErrCodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionStoreError ErrorCode = "SESSION_STORE_ERROR"
	ErrCodeAuditWriteFailed  ErrorCode = "AUDIT_WRITE_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// NewTransportFailureError wraps a call that never resolved into a decision.
func NewTransportFailureError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTransportFailure,
		Message:   "Backend call failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStepNotInSequenceError reports the internal-consistency violation of the
// active step falling outside the configured sequence.
func NewStepNotInSequenceError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeStepNotInSequence,
		Message:   "Active step is not part of the configured sequence",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSessionNotFoundError reports an unknown or expired signup session.
func NewSessionNotFoundError(sessionID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSessionNotFound,
		Message:   "Signup session not found",
		Details:   fmt.Sprintf("sessionId: %s", sessionID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSessionStoreError wraps a session persistence failure.
func NewSessionStoreError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSessionStoreError,
		Message:   "Session store operation failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// IsRetryable reports whether err is a retryable StandardError.
func IsRetryable(err error) bool {
	if stdErr, ok := err.(*StandardError); ok {
		return stdErr.Retryable
	}
	return false
}

// CodeOf extracts the error code, or an unknown marker for foreign errors.
func CodeOf(err error) ErrorCode {
	if stdErr, ok := err.(*StandardError); ok {
		return stdErr.Code
	}
	return "UNKNOWN_ERROR"
}
