package marketplace

import (
	"fmt"
	"net/http"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// Error is a failed marketplace call
type Error struct {
	Marketplace domain.Marketplace
	Op          string
	StatusCode  int
	Retryable   bool
	Message     string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (status %d): %s", e.Marketplace, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Marketplace, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorClass maps the failure onto the task error taxonomy
func (e *Error) ErrorClass() domain.ErrorClass {
	if e.Retryable {
		return domain.ErrorClassTransient
	}
	return domain.ErrorClassPermanent
}

// RetryableStatus reports whether an HTTP status is worth retrying
func RetryableStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout:
		return true
	case statusCode >= 500:
		return true
	default:
		return false
	}
}

// NewStatusError builds an Error from an HTTP response status
func NewStatusError(mp domain.Marketplace, op string, statusCode int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return &Error{
		Marketplace: mp,
		Op:          op,
		StatusCode:  statusCode,
		Retryable:   RetryableStatus(statusCode),
		Message:     msg,
	}
}

// NewTransportError wraps a network failure; these are always retryable
func NewTransportError(mp domain.Marketplace, op string, err error) *Error {
	return &Error{Marketplace: mp, Op: op, Retryable: true, Err: err}
}
