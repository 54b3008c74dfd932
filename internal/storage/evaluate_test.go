package storage

import (
	"encoding/json"
	"testing"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateJob(t *testing.T) {
	tests := []struct {
		name       string
		tasks      []domain.Task
		wantStatus domain.Status
		wantFailed string
	}{
		{
			name:       "no tasks completes",
			wantStatus: domain.StatusCompleted,
		},
		{
			name: "all completed",
			tasks: []domain.Task{
				{ID: "a", StepOrder: 1, Status: domain.StatusCompleted},
				{ID: "b", StepOrder: 2, Status: domain.StatusCompleted},
			},
			wantStatus: domain.StatusCompleted,
		},
		{
			name: "pending task keeps job running",
			tasks: []domain.Task{
				{ID: "a", StepOrder: 1, Status: domain.StatusCompleted},
				{ID: "b", StepOrder: 2, Status: domain.StatusPending},
			},
			wantStatus: domain.StatusRunning,
		},
		{
			name: "transient failure with retries left keeps job running",
			tasks: []domain.Task{
				{ID: "a", StepOrder: 1, Status: domain.StatusFailed, ErrorClass: domain.ErrorClassTransient, RetryCount: 1},
			},
			wantStatus: domain.StatusRunning,
		},
		{
			name: "exhausted transient failure fails job",
			tasks: []domain.Task{
				{ID: "a", StepOrder: 1, Status: domain.StatusFailed, ErrorClass: domain.ErrorClassTransient, RetryCount: 3},
			},
			wantStatus: domain.StatusFailed,
			wantFailed: "a",
		},
		{
			name: "permanent failure fails job",
			tasks: []domain.Task{
				{ID: "a", StepOrder: 1, Status: domain.StatusCompleted},
				{ID: "b", StepOrder: 2, Status: domain.StatusFailed, ErrorClass: domain.ErrorClassPermanent},
			},
			wantStatus: domain.StatusFailed,
			wantFailed: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := EvaluateJob(tt.tasks, 3)
			assert.Equal(t, tt.wantStatus, eval.Status)
			if tt.wantFailed != "" {
				require.NotNil(t, eval.Failed)
				assert.Equal(t, tt.wantFailed, eval.Failed.ID)
			} else {
				assert.Nil(t, eval.Failed)
			}
		})
	}
}

func TestEvaluateJob_ResultFromLastStep(t *testing.T) {
	tasks := []domain.Task{
		{StepOrder: 2, Status: domain.StatusCompleted, Result: json.RawMessage(`{"listing_id":"L1"}`)},
		{StepOrder: 1, Status: domain.StatusCompleted, Result: json.RawMessage(`{"ok":true}`)},
	}

	eval := EvaluateJob(tasks, 3)
	assert.Equal(t, domain.StatusCompleted, eval.Status)
	assert.JSONEq(t, `{"listing_id":"L1"}`, string(eval.Result))
}
