package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

type OperationRequest struct {
	Marketplace string          `json:"marketplace" binding:"required"`
	Operation   string          `json:"operation" binding:"required"`
	TargetID    string          `json:"target_id" binding:"required"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
}

type SubmitBatchRequest struct {
	TenantID   string             `json:"tenant_id" binding:"required"`
	Operations []OperationRequest `json:"operations" binding:"required,min=1,dive"`
}

type SubmitBatchResponse struct {
	BatchID string   `json:"batch_id"`
	JobIDs  []string `json:"job_ids"`
	Status  string   `json:"status"`
}

type BatchDTO struct {
	BatchID        string `json:"batch_id"`
	TenantID       string `json:"tenant_id"`
	Status         string `json:"status"`
	TotalCount     int    `json:"total_count"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`
	CancelledCount int    `json:"cancelled_count"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func NewBatchDTO(b *domain.Batch) BatchDTO {
	return BatchDTO{
		BatchID:        b.ID,
		TenantID:       b.TenantID,
		Status:         string(b.Status),
		TotalCount:     b.TotalCount,
		CompletedCount: b.CompletedCount,
		FailedCount:    b.FailedCount,
		CancelledCount: b.CancelledCount,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      b.UpdatedAt.Format(time.RFC3339),
	}
}
