package retry

import (
	"context"
	"errors"
	"net"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// Classifier is implemented by errors that know their own class
type Classifier interface {
	ErrorClass() domain.ErrorClass
}

// Classify maps any execution error onto the error taxonomy. Errors that carry
// no class information are permanent.
func Classify(err error) domain.ErrorClass {
	if err == nil {
		return domain.ErrorClassNone
	}

	var taskErr *domain.TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Class
	}

	var classified Classifier
	if errors.As(err, &classified) {
		return classified.ErrorClass()
	}

	var retryable *domain.RetryableError
	if errors.As(err, &retryable) {
		return domain.ErrorClassTransient
	}

	if errors.Is(err, context.Canceled) {
		return domain.ErrorClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorClassTransient
	}

	return domain.ErrorClassPermanent
}
