package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// TenantQuery carries the tenant every submission endpoint is scoped to
type TenantQuery struct {
	TenantID string `form:"tenant_id" binding:"required"`
}

type ListJobsRequest struct {
	TenantID    string `form:"tenant_id" binding:"required"`
	BatchID     string `form:"batch_id"`
	Status      string `form:"status"`
	Marketplace string `form:"marketplace"`
	Operation   string `form:"operation"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	BatchID        string          `json:"batch_id,omitempty"`
	TenantID       string          `json:"tenant_id"`
	Marketplace    string          `json:"marketplace"`
	Operation      string          `json:"operation"`
	TargetID       string          `json:"target_id"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	LastError      string          `json:"last_error,omitempty"`
	LastErrorClass string          `json:"last_error_class,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	FinishedAt     string          `json:"finished_at,omitempty"`
}

type TaskDTO struct {
	TaskID     string          `json:"task_id"`
	StepType   string          `json:"step_type"`
	StepOrder  int             `json:"step_order"`
	Status     string          `json:"status"`
	Mode       string          `json:"mode"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorClass string          `json:"error_class,omitempty"`
	RetryCount int             `json:"retry_count"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
}

// JobStatusResponse is the status snapshot of one job
type JobStatusResponse struct {
	Job       JobDTO    `json:"job"`
	Tasks     []TaskDTO `json:"tasks"`
	Retryable bool      `json:"retryable"`
}

func NewJobDTO(j *domain.Job) JobDTO {
	out := JobDTO{
		JobID:          j.ID,
		TenantID:       j.TenantID,
		Marketplace:    string(j.Marketplace),
		Operation:      string(j.Operation),
		TargetID:       j.TargetID,
		Priority:       j.Priority,
		Payload:        j.Payload,
		Status:         string(j.Status),
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		LastError:      j.LastError,
		LastErrorClass: string(j.LastErrorClass),
		Result:         j.Result,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.Format(time.RFC3339),
		FinishedAt:     formatTime(j.FinishedAt),
	}
	if j.BatchID != nil {
		out.BatchID = *j.BatchID
	}
	return out
}

func NewTaskDTO(t domain.Task) TaskDTO {
	return TaskDTO{
		TaskID:     t.ID,
		StepType:   t.StepType,
		StepOrder:  t.StepOrder,
		Status:     string(t.Status),
		Mode:       string(t.Mode),
		Result:     t.Result,
		Error:      t.Error,
		ErrorClass: string(t.ErrorClass),
		RetryCount: t.RetryCount,
		StartedAt:  formatTime(t.StartedAt),
		FinishedAt: formatTime(t.FinishedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
