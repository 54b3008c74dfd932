package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/listing-orchestrator/internal/api/dto"
	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitBatch handles POST /api/v1/batches
// Creates one job per requested operation under a new batch
func (h *JobHandler) SubmitBatch(c *gin.Context) {
	var req dto.SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ops := make([]submission.OperationRequest, len(req.Operations))
	for i, op := range req.Operations {
		ops[i] = submission.OperationRequest{
			Marketplace: domain.Marketplace(op.Marketplace),
			Operation:   domain.Operation(op.Operation),
			TargetID:    op.TargetID,
			Priority:    op.Priority,
			Payload:     op.Payload,
		}
	}

	batch, jobs, err := h.submission.SubmitBatch(c.Request.Context(), req.TenantID, ops)
	if err != nil {
		respondError(c, h.logger, err, "submit batch")
		return
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	c.JSON(http.StatusCreated, dto.SubmitBatchResponse{
		BatchID: batch.ID,
		JobIDs:  ids,
		Status:  string(batch.Status),
	})
}

// GetBatch handles GET /api/v1/batches/:batch_id
func (h *JobHandler) GetBatch(c *gin.Context) {
	batchID, ok := pathUUID(c, "batch_id")
	if !ok {
		return
	}
	tenantID, ok := tenantQuery(c)
	if !ok {
		return
	}

	batch, err := h.submission.GetBatch(c.Request.Context(), tenantID, batchID)
	if err != nil {
		respondError(c, h.logger, err, "get batch")
		return
	}
	c.JSON(http.StatusOK, dto.NewBatchDTO(batch))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job status snapshot with per-task detail
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}
	tenantID, ok := tenantQuery(c)
	if !ok {
		return
	}

	status, err := h.submission.GetJobStatus(c.Request.Context(), tenantID, jobID)
	if err != nil {
		respondError(c, h.logger, err, "get job")
		return
	}

	tasks := make([]dto.TaskDTO, len(status.Tasks))
	for i, t := range status.Tasks {
		tasks[i] = dto.NewTaskDTO(t)
	}
	c.JSON(http.StatusOK, dto.JobStatusResponse{
		Job:       dto.NewJobDTO(status.Job),
		Tasks:     tasks,
		Retryable: status.Retryable,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and keyset pagination, newest first
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.submission.ListJobs(c.Request.Context(), req.TenantID, storage.JobFilter{
		BatchID:     req.BatchID,
		Status:      req.Status,
		Marketplace: req.Marketplace,
		Operation:   req.Operation,
		PageSize:    req.PageSize,
		Cursor:      cursor,
	})
	if err != nil {
		respondError(c, h.logger, err, "list jobs")
		return
	}

	// the store returns one extra row when another page exists
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = dto.NewJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Reopens a job that failed on an agent timeout or expiry
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}
	tenantID, ok := tenantQuery(c)
	if !ok {
		return
	}

	job, err := h.submission.RetryJob(c.Request.Context(), tenantID, jobID)
	if err != nil {
		respondError(c, h.logger, err, "retry job")
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a pending or running job; a running job stops before its next task
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}
	tenantID, ok := tenantQuery(c)
	if !ok {
		return
	}

	job, err := h.submission.CancelJob(c.Request.Context(), tenantID, jobID)
	if err != nil {
		respondError(c, h.logger, err, "cancel job")
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

func pathUUID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be a valid UUID",
		})
		return "", false
	}
	return id, true
}

func tenantQuery(c *gin.Context) (string, bool) {
	var q dto.TenantQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "tenant_id is required",
		})
		return "", false
	}
	return q.TenantID, true
}
