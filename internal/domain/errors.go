package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the tenant scope
	ErrJobNotFound = errors.New("job not found")

	// ErrBatchNotFound is returned when a batch cannot be found in the tenant scope
	ErrBatchNotFound = errors.New("batch not found")

	// ErrTaskNotFound is returned when a task cannot be found in the tenant scope
	ErrTaskNotFound = errors.New("task not found")

	// ErrTenantNotFound is returned when the tenant is not registered
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrDuplicateSubmission is returned when the natural key of a job already exists
	ErrDuplicateSubmission = errors.New("duplicate job submission")

	// ErrInvalidTransition is returned when a status change is not allowed by the state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRetryLimitReached is returned when a job has used all of its retries
	ErrRetryLimitReached = errors.New("max retries exceeded")

	// ErrJobNotRetryable is returned when retry is requested for a job that cannot be retried
	ErrJobNotRetryable = errors.New("job is not retryable")

	// ErrJobTerminal is returned when an action requires a non-terminal job
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrInvalidPayload is returned when a job payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")
)

// ErrorClass separates failure causes so operators can tell infrastructure
// failures from business rejections
type ErrorClass string

const (
	ErrorClassNone         ErrorClass = ""
	ErrorClassTransient    ErrorClass = "transient"
	ErrorClassPermanent    ErrorClass = "permanent"
	ErrorClassAgentTimeout ErrorClass = "agent_timeout"
	ErrorClassExpired      ErrorClass = "expired"
	ErrorClassInternal     ErrorClass = "internal"
	ErrorClassCancelled    ErrorClass = "cancelled"
)

// CountsAsAttempt reports whether a failure of this class consumes one of the
// task's automatic retries. Agent timeouts and expiry are infrastructure
// failures and are retried manually instead.
func (c ErrorClass) CountsAsAttempt() bool {
	switch c {
	case ErrorClassAgentTimeout, ErrorClassExpired, ErrorClassCancelled:
		return false
	}
	return true
}

// ManuallyRetryable reports whether a job that failed with this class exposes a retry action
func (c ErrorClass) ManuallyRetryable() bool {
	return c == ErrorClassAgentTimeout || c == ErrorClassExpired
}

// TaskError is a failure with an explicit class attached
type TaskError struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError creates a classified task error
func NewTaskError(class ErrorClass, message string, err error) error {
	return &TaskError{Class: class, Message: message, Err: err}
}

// RetryableError wraps transient errors that should trigger an automatic retry
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
