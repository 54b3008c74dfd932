// Package submission is the job submission interface: it creates batches,
// and exposes the retry, cancel and status actions of a job.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/events"
	"github.com/cuongbtq/listing-orchestrator/internal/handler"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/cuongbtq/listing-orchestrator/shared/metrics"
)

// ErrInvalidRequest is returned when a submission fails validation
var ErrInvalidRequest = errors.New("invalid submission")

// MaxBatchSize bounds the number of operations in one batch
const MaxBatchSize = 500

// OperationRequest is one requested marketplace operation
type OperationRequest struct {
	Marketplace domain.Marketplace
	Operation   domain.Operation
	TargetID    string
	Priority    int
	Payload     json.RawMessage
}

// Notifier tells the dispatcher that jobs became runnable
type Notifier interface {
	NotifyRunnable(ctx context.Context, tenantID string, jobIDs []string) error
}

// JobStatus is the status snapshot of one job with per-task detail
type JobStatus struct {
	Job       *domain.Job
	Tasks     []domain.Task
	Retryable bool
}

// Config holds the collaborators of a Service
type Config struct {
	Logger            *slog.Logger
	Store             storage.Store
	Catalog           handler.Catalog
	Notifier          Notifier
	Events            events.Sink
	DefaultMaxRetries int
}

// Service implements the submission actions
type Service struct {
	logger            *slog.Logger
	store             storage.Store
	catalog           handler.Catalog
	notifier          Notifier
	events            events.Sink
	defaultMaxRetries int
}

// NewService creates a Service
func NewService(cfg Config) *Service {
	s := &Service{
		logger:            cfg.Logger,
		store:             cfg.Store,
		catalog:           cfg.Catalog,
		notifier:          cfg.Notifier,
		events:            cfg.Events,
		defaultMaxRetries: cfg.DefaultMaxRetries,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.defaultMaxRetries <= 0 {
		s.defaultMaxRetries = 3
	}
	return s
}

// Scope resolves the execution scope of a registered tenant
func (s *Service) Scope(ctx context.Context, tenantID string) (tenant.Scope, error) {
	if strings.TrimSpace(tenantID) == "" {
		return tenant.Scope{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return tenant.Scope{}, err
	}
	return t.Scope(s.defaultMaxRetries), nil
}

// SubmitBatch validates the operations and creates one batch holding one job per operation
func (s *Service) SubmitBatch(ctx context.Context, tenantID string, ops []OperationRequest) (*domain.Batch, []*domain.Job, error) {
	sc, err := s.Scope(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.validate(ops); err != nil {
		return nil, nil, err
	}

	jobs := make([]*domain.Job, len(ops))
	for i, op := range ops {
		jobs[i] = &domain.Job{
			Marketplace: op.Marketplace,
			Operation:   op.Operation,
			TargetID:    strings.TrimSpace(op.TargetID),
			Priority:    op.Priority,
			Payload:     op.Payload,
		}
	}

	batch := &domain.Batch{}
	if err := s.store.CreateBatch(ctx, sc, batch, jobs); err != nil {
		return nil, nil, fmt.Errorf("failed to create batch: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
		metrics.JobsSubmitted.WithLabelValues(string(j.Marketplace), string(j.Operation)).Inc()
	}

	s.logger.Info("Batch submitted",
		slog.String("tenant_id", sc.TenantID),
		slog.String("batch_id", batch.ID),
		slog.Int("job_count", len(jobs)),
	)
	s.events.Emit(ctx, events.Event{
		Type:     events.BatchSubmitted,
		TenantID: sc.TenantID,
		BatchID:  batch.ID,
		Status:   string(batch.Status),
		Time:     time.Now().UTC(),
	})
	s.notify(ctx, sc.TenantID, ids)
	return batch, jobs, nil
}

func (s *Service) validate(ops []OperationRequest) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: at least one operation is required", ErrInvalidRequest)
	}
	if len(ops) > MaxBatchSize {
		return fmt.Errorf("%w: at most %d operations per batch", ErrInvalidRequest, MaxBatchSize)
	}

	var problems []string
	for i, op := range ops {
		switch {
		case op.Marketplace == "":
			problems = append(problems, fmt.Sprintf("operations[%d]: marketplace is required", i))
		case !op.Operation.IsValid():
			problems = append(problems, fmt.Sprintf("operations[%d]: unknown operation %q", i, op.Operation))
		case strings.TrimSpace(op.TargetID) == "":
			problems = append(problems, fmt.Sprintf("operations[%d]: target_id is required", i))
		case !s.catalog.Supports(op.Marketplace, op.Operation):
			problems = append(problems, fmt.Sprintf("operations[%d]: %s %s is not supported", i, op.Marketplace, op.Operation))
		default:
			if err := s.catalog.ValidatePayload(op.Marketplace, op.Operation, op.Payload); err != nil {
				problems = append(problems, fmt.Sprintf("operations[%d]: %s", i, payloadProblem(err)))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

func payloadProblem(err error) string {
	var te *domain.TaskError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}

// RetryJob reopens a failed job whose failure class allows a manual retry
func (s *Service) RetryJob(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	sc, err := s.Scope(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.RetryJob(ctx, sc, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job retried",
		slog.String("tenant_id", sc.TenantID),
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
	)
	s.emit(ctx, events.JobRetried, job)
	s.notify(ctx, sc.TenantID, []string{job.ID})
	return job, nil
}

// CancelJob cancels a job that has not reached a terminal state. A running
// job stops before its next task.
func (s *Service) CancelJob(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	sc, err := s.Scope(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.CancelJob(ctx, sc, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job cancelled",
		slog.String("tenant_id", sc.TenantID),
		slog.String("job_id", job.ID),
	)
	s.emit(ctx, events.JobCancelled, job)
	return job, nil
}

// GetJobStatus returns the job with the detail of each of its tasks
func (s *Service) GetJobStatus(ctx context.Context, tenantID, jobID string) (*JobStatus, error) {
	sc, err := s.Scope(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, sc, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, sc, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return &JobStatus{Job: job, Tasks: tasks, Retryable: job.Retryable()}, nil
}

// GetBatch returns a batch with its counts and derived status
func (s *Service) GetBatch(ctx context.Context, tenantID, batchID string) (*domain.Batch, error) {
	sc, err := s.Scope(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.store.GetBatch(ctx, sc, batchID)
}

// ListJobs returns one page of jobs, newest first, plus one extra row when another page exists
func (s *Service) ListJobs(ctx context.Context, tenantID string, filter storage.JobFilter) ([]domain.Job, error) {
	sc, err := s.Scope(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if filter.Status != "" && !domain.Status(filter.Status).IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
	}
	return s.store.ListJobs(ctx, sc, filter)
}

func (s *Service) notify(ctx context.Context, tenantID string, jobIDs []string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyRunnable(ctx, tenantID, jobIDs); err != nil {
		// the dispatcher still finds the jobs by polling
		s.logger.Warn("Failed to publish wake-up",
			slog.String("tenant_id", tenantID),
			slog.Int("job_count", len(jobIDs)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) emit(ctx context.Context, t events.Type, job *domain.Job) {
	e := events.Event{
		Type:       t,
		TenantID:   job.TenantID,
		JobID:      job.ID,
		Status:     string(job.Status),
		ErrorClass: string(job.LastErrorClass),
		Time:       time.Now().UTC(),
	}
	if job.BatchID != nil {
		e.BatchID = *job.BatchID
	}
	s.events.Emit(ctx, e)
}
