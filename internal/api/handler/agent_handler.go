package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/listing-orchestrator/internal/agent"
	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/gin-gonic/gin"
)

// TenantKey is the gin context key holding the tenant an agent token resolved to
const TenantKey = "agent_tenant_id"

// AgentChannel is the part of the agent channel the endpoints drive
type AgentChannel interface {
	Poll(ctx context.Context, tenantID string, max int) ([]agent.Descriptor, error)
	Complete(tenantID, taskID string, result []byte) (bool, error)
	Fail(tenantID, taskID, message, errorClass string) (bool, error)
}

// AgentHandler serves the remote agent wire protocol
type AgentHandler struct {
	logger  *slog.Logger
	channel AgentChannel
}

// NewAgentHandler creates a new AgentHandler instance
func NewAgentHandler(logger *slog.Logger, channel AgentChannel) *AgentHandler {
	return &AgentHandler{logger: logger, channel: channel}
}

// Poll handles POST /agent/poll
// Holds the request open until work exists or the poll timeout passes
func (h *AgentHandler) Poll(c *gin.Context) {
	tenantID := c.GetString(TenantKey)

	var req agent.PollRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	tasks, err := h.channel.Poll(c.Request.Context(), tenantID, req.Max)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// agent went away mid-poll
			c.Status(http.StatusNoContent)
			return
		}
		respondError(c, h.logger, err, "poll tasks")
		return
	}

	if len(tasks) > 0 {
		h.logger.Debug("Agent received tasks",
			slog.String("tenant_id", tenantID),
			slog.Int("count", len(tasks)),
		)
	}
	c.JSON(http.StatusOK, agent.PollResponse{Tasks: tasks})
}

// Complete handles POST /agent/tasks/:task_id/complete
func (h *AgentHandler) Complete(c *gin.Context) {
	taskID, ok := pathUUID(c, "task_id")
	if !ok {
		return
	}

	var req agent.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "result must be valid JSON"})
		return
	}

	delivered, err := h.channel.Complete(c.GetString(TenantKey), taskID, req.Result)
	h.respondReport(c, taskID, delivered, err)
}

// Fail handles POST /agent/tasks/:task_id/fail
func (h *AgentHandler) Fail(c *gin.Context) {
	taskID, ok := pathUUID(c, "task_id")
	if !ok {
		return
	}

	var req agent.FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	switch domain.ErrorClass(req.ErrorClass) {
	case domain.ErrorClassNone, domain.ErrorClassTransient, domain.ErrorClassPermanent:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "error_class must be transient or permanent"})
		return
	}

	delivered, err := h.channel.Fail(c.GetString(TenantKey), taskID, req.Error, req.ErrorClass)
	h.respondReport(c, taskID, delivered, err)
}

func (h *AgentHandler) respondReport(c *gin.Context, taskID string, delivered bool, err error) {
	if err != nil {
		h.logger.Warn("Rejected agent report",
			slog.String("task_id", taskID),
			slog.String("tenant_id", c.GetString(TenantKey)),
			slog.String("error", err.Error()),
		)
		respondError(c, h.logger, err, "report task")
		return
	}
	c.JSON(http.StatusOK, agent.ReportResponse{Accepted: delivered, Discarded: !delivered})
}
