package domain

import (
	"encoding/json"
	"time"
)

// Marketplace identifies an external marketplace
type Marketplace string

// Operation is the kind of marketplace operation a job performs
type Operation string

const (
	OperationPublish Operation = "publish"
	OperationUpdate  Operation = "update"
	OperationDelete  Operation = "delete"
	OperationSync    Operation = "sync"
)

func (o Operation) IsValid() bool {
	switch o {
	case OperationPublish, OperationUpdate, OperationDelete, OperationSync:
		return true
	}
	return false
}

// Job is one marketplace operation on one target for one marketplace
type Job struct {
	ID              string          `db:"id" json:"id"`
	BatchID         *string         `db:"batch_id" json:"batch_id,omitempty"`
	TenantID        string          `db:"tenant_id" json:"tenant_id"`
	Marketplace     Marketplace     `db:"marketplace" json:"marketplace"`
	Operation       Operation       `db:"operation" json:"operation"`
	TargetID        string          `db:"target_id" json:"target_id"`
	Payload         json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status          Status          `db:"status" json:"status"`
	Priority        int             `db:"priority" json:"priority"`
	RetryCount      int             `db:"retry_count" json:"retry_count"`
	MaxRetries      int             `db:"max_retries" json:"max_retries"`
	LastError       string          `db:"last_error" json:"last_error,omitempty"`
	LastErrorClass  ErrorClass      `db:"last_error_class" json:"last_error_class,omitempty"`
	Result          json.RawMessage `db:"result" json:"result,omitempty"`
	WorkerID        *string         `db:"worker_id" json:"worker_id,omitempty"`
	NextRunAt       time.Time       `db:"next_run_at" json:"next_run_at"`
	DeadlineAt      *time.Time      `db:"deadline_at" json:"deadline_at,omitempty"`
	LastHeartbeatAt *time.Time      `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// NaturalKey is the uniqueness key that rejects duplicate submissions
func (j *Job) NaturalKey() string {
	batch := ""
	if j.BatchID != nil {
		batch = *j.BatchID
	}
	return j.TenantID + "|" + string(j.Marketplace) + "|" + j.TargetID + "|" + string(j.Operation) + "|" + batch
}

// CanRetry returns nil when an explicit retry may move the job back to PENDING
func (j *Job) CanRetry() error {
	if j.Status != StatusFailed {
		return ErrJobNotRetryable
	}
	if !j.LastErrorClass.ManuallyRetryable() {
		return ErrJobNotRetryable
	}
	if j.RetryCount >= j.MaxRetries {
		return ErrRetryLimitReached
	}
	return nil
}

// Retryable reports whether the job currently exposes a retry action
func (j *Job) Retryable() bool {
	return j.CanRetry() == nil
}

// Expired reports whether a running job is past its deadline or has stopped heartbeating
func (j *Job) Expired(now time.Time, staleBefore time.Time) bool {
	if j.Status != StatusRunning {
		return false
	}
	if j.DeadlineAt != nil && j.DeadlineAt.Before(now) {
		return true
	}
	if !staleBefore.IsZero() && j.LastHeartbeatAt != nil && j.LastHeartbeatAt.Before(staleBefore) {
		return true
	}
	return false
}
