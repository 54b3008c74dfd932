package domain

import (
	"encoding/json"
	"time"
)

// Task step types produced by the listing handlers
const (
	StepValidate      = "validate"
	StepMapAttributes = "map_attributes"
	StepUploadImage   = "upload_image"
	StepCreateListing = "create_listing"
	StepUpdateListing = "update_listing"
	StepDeleteListing = "delete_listing"
	StepSyncOrders    = "sync_orders"
	StepPersistResult = "persist_result"
)

// TaskSpec is what a handler produces when it expands a job
type TaskSpec struct {
	StepType          string          `json:"step_type"`
	StepOrder         int             `json:"step_order"`
	Mode              ExecutionMode   `json:"mode"`
	IdempotencyMarker string          `json:"idempotency_marker"`
	Input             json.RawMessage `json:"input,omitempty"`
}

// Task is one atomic, idempotent step within a job
type Task struct {
	ID                string          `db:"id" json:"id"`
	JobID             string          `db:"job_id" json:"job_id"`
	StepType          string          `db:"step_type" json:"step_type"`
	StepOrder         int             `db:"step_order" json:"step_order"`
	Status            Status          `db:"status" json:"status"`
	Mode              ExecutionMode   `db:"mode" json:"mode"`
	IdempotencyMarker string          `db:"idempotency_marker" json:"idempotency_marker"`
	Input             json.RawMessage `db:"input" json:"input,omitempty"`
	Result            json.RawMessage `db:"result" json:"result,omitempty"`
	Error             string          `db:"error" json:"error,omitempty"`
	ErrorClass        ErrorClass      `db:"error_class" json:"error_class,omitempty"`
	RetryCount        int             `db:"retry_count" json:"retry_count"`
	DeadlineAt        *time.Time      `db:"deadline_at" json:"deadline_at,omitempty"`
	StartedAt         *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// PermanentlyFailed reports whether the task can no longer be retried automatically
func (t *Task) PermanentlyFailed(maxRetries int) bool {
	if t.Status != StatusFailed {
		return false
	}
	if t.ErrorClass != ErrorClassTransient {
		return true
	}
	return t.RetryCount >= maxRetries
}

// Ambiguous reports whether the task may have performed its side effect
// without the COMPLETED status being persisted
func (t *Task) Ambiguous() bool {
	if t.Status == StatusRunning {
		return true
	}
	return t.Status == StatusFailed && (t.ErrorClass == ErrorClassExpired || t.ErrorClass == ErrorClassAgentTimeout)
}

// TaskUpdate carries the payload of a single task transition
type TaskUpdate struct {
	Result         json.RawMessage
	Error          string
	ErrorClass     ErrorClass
	IncrementRetry bool
	DeadlineAt     *time.Time
}

// Result is what a handler returns after executing one task
type Result struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	// Skipped is set when the idempotency check found the side effect already applied
	Skipped bool `json:"skipped,omitempty"`
}
