package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
)

type fixedDelay time.Duration

func (f fixedDelay) Delay(int) time.Duration { return time.Duration(f) }

type classedErr struct{ class domain.ErrorClass }

func (e classedErr) Error() string                 { return string(e.class) }
func (e classedErr) ErrorClass() domain.ErrorClass { return e.class }

func TestEngine_Decide(t *testing.T) {
	e := NewEngine(fixedDelay(time.Second))

	tests := []struct {
		name string
		task domain.Task
		want Action
	}{
		{name: "completed is skipped", task: domain.Task{Status: domain.StatusCompleted}, want: ActionSkip},
		{name: "skipped stays skipped", task: domain.Task{Status: domain.StatusSkipped}, want: ActionSkip},
		{name: "pending executes", task: domain.Task{Status: domain.StatusPending}, want: ActionExecute},
		{
			name: "transient failure with retries left executes",
			task: domain.Task{Status: domain.StatusFailed, ErrorClass: domain.ErrorClassTransient, RetryCount: 1},
			want: ActionExecute,
		},
		{
			name: "transient failure at limit fails",
			task: domain.Task{Status: domain.StatusFailed, ErrorClass: domain.ErrorClassTransient, RetryCount: 3},
			want: ActionFailPermanent,
		},
		{
			name: "permanent failure fails",
			task: domain.Task{Status: domain.StatusFailed, ErrorClass: domain.ErrorClassPermanent},
			want: ActionFailPermanent,
		},
		{name: "running is ambiguous", task: domain.Task{Status: domain.StatusRunning}, want: ActionCheckIdempotency},
		{
			name: "expired is ambiguous",
			task: domain.Task{Status: domain.StatusFailed, ErrorClass: domain.ErrorClassExpired},
			want: ActionCheckIdempotency,
		},
		{
			name: "agent timeout is ambiguous",
			task: domain.Task{Status: domain.StatusFailed, ErrorClass: domain.ErrorClassAgentTimeout},
			want: ActionCheckIdempotency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Decide(&tt.task, 3))
		})
	}
}

func TestEngine_OnFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(fixedDelay(10*time.Second), WithClock(func() time.Time { return now }))

	t.Run("transient with retries left requeues", func(t *testing.T) {
		f := e.OnFailure(&domain.Task{RetryCount: 0}, domain.NewRetryableError(errors.New("503")), 3)
		assert.Equal(t, domain.ErrorClassTransient, f.Class)
		assert.True(t, f.IncrementRetry)
		assert.True(t, f.Requeue)
		assert.Equal(t, now.Add(10*time.Second), f.NextRunAt)
	})

	t.Run("transient on last attempt does not requeue", func(t *testing.T) {
		f := e.OnFailure(&domain.Task{RetryCount: 2}, domain.NewRetryableError(errors.New("503")), 3)
		assert.True(t, f.IncrementRetry)
		assert.False(t, f.Requeue)
	})

	t.Run("permanent never requeues", func(t *testing.T) {
		f := e.OnFailure(&domain.Task{}, errors.New("invalid title"), 3)
		assert.Equal(t, domain.ErrorClassPermanent, f.Class)
		assert.True(t, f.IncrementRetry)
		assert.False(t, f.Requeue)
		assert.Equal(t, "invalid title", f.Message)
	})

	t.Run("agent timeout does not consume an attempt", func(t *testing.T) {
		f := e.OnFailure(&domain.Task{}, classedErr{domain.ErrorClassAgentTimeout}, 3)
		assert.Equal(t, domain.ErrorClassAgentTimeout, f.Class)
		assert.False(t, f.IncrementRetry)
		assert.False(t, f.Requeue)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorClass
	}{
		{name: "nil", err: nil, want: domain.ErrorClassNone},
		{name: "task error", err: domain.NewTaskError(domain.ErrorClassInternal, "panic", nil), want: domain.ErrorClassInternal},
		{name: "wrapped classifier", err: fmt.Errorf("publish: %w", classedErr{domain.ErrorClassTransient}), want: domain.ErrorClassTransient},
		{name: "retryable", err: domain.NewRetryableError(errors.New("reset")), want: domain.ErrorClassTransient},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: domain.ErrorClassTransient},
		{name: "cancelled", err: context.Canceled, want: domain.ErrorClassCancelled},
		{name: "unknown", err: errors.New("boom"), want: domain.ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExponentialWithJitter(t *testing.T) {
	b := NewExponentialWithJitter(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		base := time.Second << (attempt - 1)
		if base > 10*time.Second {
			base = 10 * time.Second
		}
		for i := 0; i < 20; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, base/2)
			assert.LessOrEqual(t, d, base)
		}
	}
}
