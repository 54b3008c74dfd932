package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/listing-orchestrator/internal/agent"
	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/submission"
	"github.com/gin-gonic/gin"
)

// HealthChecker reports whether a backing dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Submission *submission.Service
	Health     HealthChecker
}

// JobHandler handles job and batch HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	submission *submission.Service
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		submission: deps.Submission,
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, submission.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTenantNotFound),
		errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, agent.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSubmission),
		errors.Is(err, domain.ErrJobNotRetryable),
		errors.Is(err, domain.ErrRetryLimitReached),
		errors.Is(err, domain.ErrJobTerminal),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body; server errors are logged and masked
func respondError(c *gin.Context, logger *slog.Logger, err error, action string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("Failed to "+action,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(status, gin.H{"error": "Failed to " + action})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
