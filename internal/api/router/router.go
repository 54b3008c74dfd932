package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/api/handler"
	"github.com/cuongbtq/listing-orchestrator/shared/metrics"
	"github.com/gin-gonic/gin"
)

// Options holds the settings shared by both routers
type Options struct {
	Service string
	// MetricsPath exposes Prometheus metrics when set
	MetricsPath string
}

// SetupRouter configures the submission API router
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := newEngine(deps.Logger, deps.Health, opts)
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		batches := v1.Group("/batches")
		{
			// POST /api/v1/batches - Submit a batch of operations
			batches.POST("", jobHandler.SubmitBatch)

			// GET /api/v1/batches/:batch_id - Get batch counts and status
			batches.GET("/:batch_id", jobHandler.GetBatch)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job status with tasks
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/retry - Retry a failed job
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}
	}

	return r
}

// AgentDependencies holds what the remote agent endpoints need
type AgentDependencies struct {
	Logger  *slog.Logger
	Channel handler.AgentChannel
	Health  handler.HealthChecker
	// Tokens maps agent bearer tokens to tenant ids
	Tokens map[string]string
}

// SetupAgentRouter configures the remote agent wire protocol router
func SetupAgentRouter(deps *AgentDependencies, opts Options) *gin.Engine {
	r := newEngine(deps.Logger, deps.Health, opts)

	agentHandler := handler.NewAgentHandler(deps.Logger, deps.Channel)

	agent := r.Group("/agent", AgentAuthMiddleware(deps.Tokens, deps.Logger))
	{
		// POST /agent/poll - Long-poll for task descriptors
		agent.POST("/poll", agentHandler.Poll)

		// POST /agent/tasks/:task_id/complete - Report a completed task
		agent.POST("/tasks/:task_id/complete", agentHandler.Complete)

		// POST /agent/tasks/:task_id/fail - Report a failed task
		agent.POST("/tasks/:task_id/fail", agentHandler.Fail)
	}

	return r
}

func newEngine(logger *slog.Logger, health handler.HealthChecker, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := health.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": opts.Service,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": opts.Service,
		})
	})

	if opts.MetricsPath != "" {
		r.GET(opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	return r
}
