// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_submitted_total",
		Help: "The total number of submitted jobs",
	}, []string{"marketplace", "operation"})

	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_claimed_total",
		Help: "The total number of jobs claimed by dispatcher workers",
	}, []string{"marketplace", "operation"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_finished_total",
		Help: "The total number of jobs reaching a terminal or requeued state",
	}, []string{"marketplace", "operation", "status"}) // status: COMPLETED, FAILED, CANCELLED, requeued

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_task_duration_seconds",
		Help:    "Duration of task execution.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"step_type", "mode"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_finished_total",
		Help: "The total number of task executions by outcome",
	}, []string{"step_type", "status"})

	AgentQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_agent_queue_depth",
		Help: "Descriptors waiting for a remote agent poll",
	}, []string{"tenant_id"})

	AgentReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_agent_reports_total",
		Help: "Remote agent reports by outcome",
	}, []string{"outcome"}) // outcome: delivered, discarded, timeout

	JobsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_expired_total",
		Help: "Jobs force-failed by the expiry sweep",
	}, []string{"tenant_id"})

	JobsPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_purged_total",
		Help: "Terminal jobs deleted by retention cleanup",
	}, []string{"tenant_id"})
)

// Handler exposes the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
