package domain

import "time"

// Batch is a user-submitted group of jobs sharing a bulk action
type Batch struct {
	ID             string      `db:"id" json:"id"`
	TenantID       string      `db:"tenant_id" json:"tenant_id"`
	TotalCount     int         `db:"total_count" json:"total_count"`
	CompletedCount int         `db:"completed_count" json:"completed_count"`
	FailedCount    int         `db:"failed_count" json:"failed_count"`
	CancelledCount int         `db:"cancelled_count" json:"cancelled_count"`
	Status         BatchStatus `db:"status" json:"status"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// DeriveBatchStatus computes the aggregate status from child counts.
// A batch is RUNNING until every job is terminal.
func DeriveBatchStatus(total, completed, failed, cancelled int) BatchStatus {
	if completed+failed+cancelled < total {
		return BatchStatusRunning
	}
	if failed > 0 {
		return BatchStatusFailedPartial
	}
	return BatchStatusCompleted
}

// ApplyCounts recomputes counts and status from the statuses of the child jobs
func (b *Batch) ApplyCounts(statuses []Status) {
	b.CompletedCount, b.FailedCount, b.CancelledCount = 0, 0, 0
	for _, s := range statuses {
		switch s {
		case StatusCompleted:
			b.CompletedCount++
		case StatusFailed:
			b.FailedCount++
		case StatusCancelled:
			b.CancelledCount++
		}
	}
	b.Status = DeriveBatchStatus(b.TotalCount, b.CompletedCount, b.FailedCount, b.CancelledCount)
}

// IsTerminal reports whether every child job has reached a terminal state
func (b *Batch) IsTerminal() bool {
	return b.Status != BatchStatusRunning
}
