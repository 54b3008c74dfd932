// Package storage defines the Work Hierarchy Store contract consumed by the
// dispatcher, the sweeper and the submission service.
//
// Every method except ListTenants runs under the tenant scope passed as an
// argument, and every mutating method is one durable commit.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/google/uuid"
)

// Claim describes the worker taking ownership of a job
type Claim struct {
	WorkerID string
	// Deadline is the absolute execution deadline stamped on the claimed job
	Deadline time.Time
}

// JobFilter narrows ListJobs
type JobFilter struct {
	BatchID     string
	Status      string
	Marketplace string
	Operation   string
	PageSize    int
	Cursor      *JobCursor
}

// JobCursor is the keyset position for job pagination
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobOutcome is the result of recomputing a job from its tasks
type JobOutcome struct {
	Job     *domain.Job
	Changed bool
}

// Store is the Work Hierarchy Store
type Store interface {
	ListTenants(ctx context.Context) ([]tenant.Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (*tenant.Tenant, error)

	// CreateBatch inserts the batch and all of its jobs atomically.
	// A natural key collision returns domain.ErrDuplicateSubmission and inserts nothing.
	CreateBatch(ctx context.Context, sc tenant.Scope, batch *domain.Batch, jobs []*domain.Job) error
	// CreateJob inserts a standalone job
	CreateJob(ctx context.Context, sc tenant.Scope, job *domain.Job) error

	GetBatch(ctx context.Context, sc tenant.Scope, batchID string) (*domain.Batch, error)
	GetJob(ctx context.Context, sc tenant.Scope, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, sc tenant.Scope, filter JobFilter) ([]domain.Job, error)
	ListTasks(ctx context.Context, sc tenant.Scope, jobID string) ([]domain.Task, error)

	// ClaimJob moves one job PENDING -> RUNNING with a conditional update.
	// Losing the race returns domain.ErrJobAlreadyClaimed.
	ClaimJob(ctx context.Context, sc tenant.Scope, jobID string, claim Claim) (*domain.Job, error)
	// ClaimNextRunnableJob claims the highest priority runnable job, or returns nil when none is available
	ClaimNextRunnableJob(ctx context.Context, sc tenant.Scope, claim Claim) (*domain.Job, error)
	HeartbeatJob(ctx context.Context, sc tenant.Scope, jobID, workerID string) error

	// UpsertTasks creates the tasks of a job; specs whose step order already exists are left untouched
	UpsertTasks(ctx context.Context, sc tenant.Scope, jobID string, specs []domain.TaskSpec) ([]domain.Task, error)
	TransitionTask(ctx context.Context, sc tenant.Scope, taskID string, to domain.Status, update domain.TaskUpdate) (*domain.Task, error)
	// SkipRemainingTasks marks every non-completed task of the job SKIPPED
	SkipRemainingTasks(ctx context.Context, sc tenant.Scope, jobID string) (int, error)

	// RecomputeJobStatus sets a RUNNING job COMPLETED when all tasks completed,
	// FAILED when a task failed permanently, and otherwise leaves it RUNNING
	RecomputeJobStatus(ctx context.Context, sc tenant.Scope, jobID string) (*JobOutcome, error)
	// RecomputeBatchStatus refreshes counts and the derived status from the child jobs
	RecomputeBatchStatus(ctx context.Context, sc tenant.Scope, batchID string) (*domain.Batch, error)

	// RequeueJob moves a RUNNING job back to PENDING for an automatic retry
	RequeueJob(ctx context.Context, sc tenant.Scope, jobID string, nextRunAt time.Time, lastErr string) error
	// FailJob fails a RUNNING job that never produced tasks, such as one with no registered handler
	FailJob(ctx context.Context, sc tenant.Scope, jobID string, class domain.ErrorClass, message string) (*domain.Job, error)
	// RetryJob is the explicit retry action: FAILED -> PENDING, incrementing the retry counter
	RetryJob(ctx context.Context, sc tenant.Scope, jobID string) (*domain.Job, error)
	// CancelJob marks a non-terminal job CANCELLED
	CancelJob(ctx context.Context, sc tenant.Scope, jobID string) (*domain.Job, error)

	// ExpireJobs force-fails RUNNING jobs past their deadline or heartbeat threshold, with their RUNNING tasks
	ExpireJobs(ctx context.Context, sc tenant.Scope, now, staleBefore time.Time) ([]domain.Job, error)
	// PurgeTerminal deletes terminal batches and standalone jobs last updated before the cutoff
	PurgeTerminal(ctx context.Context, sc tenant.Scope, before time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// PrepareJob stamps the fields every store sets on a job it is about to insert
func PrepareJob(sc tenant.Scope, j *domain.Job, now time.Time) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.TenantID = sc.TenantID
	j.Status = domain.StatusPending
	if j.MaxRetries <= 0 {
		j.MaxRetries = sc.MaxRetries
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	j.CreatedAt, j.UpdatedAt = now, now
}
