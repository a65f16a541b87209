package core

import (
	"errors"
	"fmt"
)

// Error codes for worker operations
const (
	// Identity errors
	ErrCodeIdentity       = "IDENTITY_FAILED"
	ErrCodeUnsupportedKey = "UNSUPPORTED_KEY"
	ErrCodeSigning        = "SIGNING_FAILED"

	// Coordinator errors
	ErrCodeRegistrationRejected = "REGISTRATION_REJECTED"
	ErrCodeSubmissionRejected   = "SUBMISSION_REJECTED"
	ErrCodeCoordinatorStatus    = "COORDINATOR_STATUS"
	ErrCodeCoordinatorIO        = "COORDINATOR_IO"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
	ErrCodeInvalidTask          = "INVALID_TASK"

	// Gossip errors
	ErrCodeQueueClosed   = "QUEUE_CLOSED"
	ErrCodeGossipPayload = "GOSSIP_PAYLOAD"
	ErrCodeGossipFailed  = "GOSSIP_FAILED"
)

// WorkerError carries a stable code that callers branch on, plus loggable
// fields such as task id or HTTP status.
type WorkerError struct {
	Code    string
	Message string
	Cause   error
	Fields  map[string]any
}

func (e *WorkerError) Error() string {
	if e.Cause == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// WithField records key for logging and returns e for chaining.
func (e *WorkerError) WithField(key string, value any) *WorkerError {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[key] = value
	return e
}

// NewWorkerError returns a coded error with no underlying cause.
func NewWorkerError(code, message string) *WorkerError {
	return &WorkerError{Code: code, Message: message}
}

// WrapError attaches code and message to cause. errors.Is and errors.As
// still see cause.
func WrapError(code, message string, cause error) *WorkerError {
	return &WorkerError{Code: code, Message: message, Cause: cause}
}

// IsCode reports whether any WorkerError in err's chain carries code.
func IsCode(err error, code string) bool {
	var we *WorkerError
	for err != nil {
		if !errors.As(err, &we) {
			return false
		}
		if we.Code == code {
			return true
		}
		err = we.Cause
	}
	return false
}

func ErrRegistrationRejected(status int, body string) *WorkerError {
	return NewWorkerError(ErrCodeRegistrationRejected, "registration rejected").
		WithField("status", status).
		WithField("body", body)
}

func ErrSubmissionRejected(taskID string, status int, body string) *WorkerError {
	return NewWorkerError(ErrCodeSubmissionRejected, "submission rejected").
		WithField("task_id", taskID).
		WithField("status", status).
		WithField("body", body)
}

func ErrSigning(taskID string, cause error) *WorkerError {
	return WrapError(ErrCodeSigning, "failed to sign result", cause).
		WithField("task_id", taskID)
}

func ErrQueueClosed() *WorkerError {
	return NewWorkerError(ErrCodeQueueClosed, "handoff queue closed")
}
