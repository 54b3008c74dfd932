// Package retry decides, task by task, whether a job pipeline executes,
// skips or fails fast, and maps failures onto the error taxonomy.
package retry

import (
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// Action is what the pipeline does with one task
type Action int

const (
	// ActionSkip means the task already completed and is an idempotent no-op
	ActionSkip Action = iota
	// ActionExecute runs the task
	ActionExecute
	// ActionCheckIdempotency asks the handler whether the side effect already
	// happened before executing a task whose previous outcome is unknown
	ActionCheckIdempotency
	// ActionFailPermanent fails the task and the job without executing
	ActionFailPermanent
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionExecute:
		return "execute"
	case ActionCheckIdempotency:
		return "check_idempotency"
	case ActionFailPermanent:
		return "fail_permanent"
	default:
		return "unknown"
	}
}

// Failure describes how a task failure is recorded and whether the job goes
// back to PENDING for another automatic attempt
type Failure struct {
	Class          domain.ErrorClass
	Message        string
	IncrementRetry bool
	Requeue        bool
	NextRunAt      time.Time
}

// Engine is the idempotency and retry policy
type Engine struct {
	backoff Strategy
	now     func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source used for backoff scheduling
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine with the given backoff strategy
func NewEngine(backoff Strategy, opts ...Option) *Engine {
	if backoff == nil {
		backoff = DefaultStrategy()
	}
	e := &Engine{
		backoff: backoff,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide picks the action for a task given the job's retry limit
func (e *Engine) Decide(task *domain.Task, maxRetries int) Action {
	switch task.Status {
	case domain.StatusCompleted, domain.StatusSkipped:
		return ActionSkip
	case domain.StatusPending:
		return ActionExecute
	}

	if task.Ambiguous() {
		return ActionCheckIdempotency
	}
	if task.PermanentlyFailed(maxRetries) {
		return ActionFailPermanent
	}
	return ActionExecute
}

// OnFailure classifies err and decides what happens to the task and its job
func (e *Engine) OnFailure(task *domain.Task, err error, maxRetries int) Failure {
	class := Classify(err)
	f := Failure{
		Class:          class,
		Message:        err.Error(),
		IncrementRetry: class.CountsAsAttempt(),
	}

	if class != domain.ErrorClassTransient {
		return f
	}

	attempts := task.RetryCount + 1
	if attempts < maxRetries {
		f.Requeue = true
		f.NextRunAt = e.now().Add(e.backoff.Delay(attempts))
	}
	return f
}
