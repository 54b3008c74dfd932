// Package memory is an in-process Work Hierarchy Store. It keeps one isolated
// data set per tenant schema and is used by tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/google/uuid"
)

type schemaData struct {
	batches  map[string]*domain.Batch
	jobs     map[string]*domain.Job
	tasks    map[string]*domain.Task
	jobTasks map[string][]string
	keys     map[string]string
}

func newSchemaData() *schemaData {
	return &schemaData{
		batches:  make(map[string]*domain.Batch),
		jobs:     make(map[string]*domain.Job),
		tasks:    make(map[string]*domain.Task),
		jobTasks: make(map[string][]string),
		keys:     make(map[string]string),
	}
}

// Store is a mutex-guarded implementation of storage.Store
type Store struct {
	mu      sync.Mutex
	tenants map[string]tenant.Tenant
	schemas map[string]*schemaData
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		tenants: make(map[string]tenant.Tenant),
		schemas: make(map[string]*schemaData),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTenant registers a tenant and provisions its data set
func (s *Store) AddTenant(t tenant.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.SchemaName == "" {
		t.SchemaName = tenant.DefaultSchema(t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	s.tenants[t.ID] = t
	if _, ok := s.schemas[t.SchemaName]; !ok {
		s.schemas[t.SchemaName] = newSchemaData()
	}
}

func (s *Store) ListTenants(_ context.Context) ([]tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetTenant(_ context.Context, tenantID string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	return &t, nil
}

// data resolves the data set for the scope; callers hold s.mu
func (s *Store) data(sc tenant.Scope) (*schemaData, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	d, ok := s.schemas[sc.Schema]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTenantNotFound, sc)
	}
	return d, nil
}

func (s *Store) CreateBatch(_ context.Context, sc tenant.Scope, batch *domain.Batch, jobs []*domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return err
	}

	now := s.now()
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	batch.TenantID = sc.TenantID
	batch.TotalCount = len(jobs)
	batch.Status = domain.BatchStatusRunning
	batch.CreatedAt, batch.UpdatedAt = now, now

	batchID := batch.ID
	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		storage.PrepareJob(sc, j, now)
		j.BatchID = &batchID
		key := j.NaturalKey()
		if _, dup := d.keys[key]; dup {
			return fmt.Errorf("%w: %s %s %s", domain.ErrDuplicateSubmission, j.Marketplace, j.Operation, j.TargetID)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s %s %s", domain.ErrDuplicateSubmission, j.Marketplace, j.Operation, j.TargetID)
		}
		seen[key] = struct{}{}
	}

	b := *batch
	d.batches[b.ID] = &b
	for _, j := range jobs {
		cp := cloneJob(j)
		d.jobs[cp.ID] = cp
		d.keys[cp.NaturalKey()] = cp.ID
	}
	return nil
}

func (s *Store) CreateJob(_ context.Context, sc tenant.Scope, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return err
	}

	storage.PrepareJob(sc, job, s.now())
	key := job.NaturalKey()
	if _, dup := d.keys[key]; dup {
		return fmt.Errorf("%w: %s %s %s", domain.ErrDuplicateSubmission, job.Marketplace, job.Operation, job.TargetID)
	}
	cp := cloneJob(job)
	d.jobs[cp.ID] = cp
	d.keys[key] = cp.ID
	return nil
}

func (s *Store) GetBatch(_ context.Context, sc tenant.Scope, batchID string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	b, ok := d.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) GetJob(_ context.Context, sc tenant.Scope, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	j, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, sc tenant.Scope, filter storage.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}

	var jobs []domain.Job
	for _, j := range d.jobs {
		if filter.BatchID != "" && (j.BatchID == nil || *j.BatchID != filter.BatchID) {
			continue
		}
		if filter.Status != "" && string(j.Status) != filter.Status {
			continue
		}
		if filter.Marketplace != "" && string(j.Marketplace) != filter.Marketplace {
			continue
		}
		if filter.Operation != "" && string(j.Operation) != filter.Operation {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.JobID) {
				continue
			}
		}
		jobs = append(jobs, *cloneJob(j))
	}

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID > jobs[b].ID
	})

	// Fetch one extra to let the caller detect another page
	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *Store) ListTasks(_ context.Context, sc tenant.Scope, jobID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	if _, ok := d.jobs[jobID]; !ok {
		return nil, domain.ErrJobNotFound
	}
	return d.tasksOf(jobID), nil
}

func (d *schemaData) tasksOf(jobID string) []domain.Task {
	ids := d.jobTasks[jobID]
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneTask(d.tasks[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func (s *Store) ClaimJob(_ context.Context, sc tenant.Scope, jobID string, claim storage.Claim) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}

	// Conditional update: status must still be PENDING
	j, ok := d.jobs[jobID]
	if !ok || j.Status != domain.StatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}

	now := s.now()
	workerID := claim.WorkerID
	deadline := claim.Deadline
	j.Status = domain.StatusRunning
	j.WorkerID = &workerID
	j.StartedAt = &now
	j.LastHeartbeatAt = &now
	j.DeadlineAt = &deadline
	j.FinishedAt = nil
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *Store) ClaimNextRunnableJob(ctx context.Context, sc tenant.Scope, claim storage.Claim) (*domain.Job, error) {
	candidates, err := s.runnable(sc, 10)
	if err != nil {
		return nil, err
	}

	for _, id := range candidates {
		job, err := s.ClaimJob(ctx, sc, id, claim)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Store) runnable(sc tenant.Scope, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var pending []*domain.Job
	for _, j := range d.jobs {
		if j.Status == domain.StatusPending && !j.NextRunAt.After(now) {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		if pending[a].Priority != pending[b].Priority {
			return pending[a].Priority > pending[b].Priority
		}
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	ids := make([]string, len(pending))
	for i, j := range pending {
		ids[i] = j.ID
	}
	return ids, nil
}

func (s *Store) HeartbeatJob(_ context.Context, sc tenant.Scope, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return err
	}
	j, ok := d.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.StatusRunning || j.WorkerID == nil || *j.WorkerID != workerID {
		return nil
	}
	now := s.now()
	j.LastHeartbeatAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *Store) UpsertTasks(_ context.Context, sc tenant.Scope, jobID string, specs []domain.TaskSpec) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	if _, ok := d.jobs[jobID]; !ok {
		return nil, domain.ErrJobNotFound
	}

	existing := make(map[int]struct{})
	for _, id := range d.jobTasks[jobID] {
		existing[d.tasks[id].StepOrder] = struct{}{}
	}

	now := s.now()
	for _, spec := range specs {
		if _, ok := existing[spec.StepOrder]; ok {
			continue
		}
		t := &domain.Task{
			ID:                uuid.New().String(),
			JobID:             jobID,
			StepType:          spec.StepType,
			StepOrder:         spec.StepOrder,
			Status:            domain.StatusPending,
			Mode:              spec.Mode,
			IdempotencyMarker: spec.IdempotencyMarker,
			Input:             cloneRaw(spec.Input),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		d.tasks[t.ID] = t
		d.jobTasks[jobID] = append(d.jobTasks[jobID], t.ID)
		existing[spec.StepOrder] = struct{}{}
	}
	return d.tasksOf(jobID), nil
}

func (s *Store) TransitionTask(_ context.Context, sc tenant.Scope, taskID string, to domain.Status, update domain.TaskUpdate) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	t, ok := d.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	if !domain.CanTransitionTask(t.Status, to) {
		return nil, fmt.Errorf("%w: task %s %s -> %s", domain.ErrInvalidTransition, taskID, t.Status, to)
	}

	now := s.now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case domain.StatusRunning:
		t.StartedAt = &now
		t.FinishedAt = nil
		t.DeadlineAt = update.DeadlineAt
	case domain.StatusCompleted:
		t.Result = cloneRaw(update.Result)
		t.Error, t.ErrorClass = "", domain.ErrorClassNone
		t.FinishedAt = &now
	case domain.StatusFailed:
		t.Error, t.ErrorClass = update.Error, update.ErrorClass
		t.FinishedAt = &now
	case domain.StatusSkipped:
		t.Error, t.ErrorClass = update.Error, update.ErrorClass
		t.FinishedAt = &now
	}
	if update.IncrementRetry {
		t.RetryCount++
	}
	return cloneTask(t), nil
}

func (s *Store) SkipRemainingTasks(_ context.Context, sc tenant.Scope, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return 0, err
	}

	now := s.now()
	skipped := 0
	for _, id := range d.jobTasks[jobID] {
		t := d.tasks[id]
		if domain.CanTransitionTask(t.Status, domain.StatusSkipped) {
			t.Status = domain.StatusSkipped
			t.ErrorClass = domain.ErrorClassCancelled
			t.FinishedAt = &now
			t.UpdatedAt = now
			skipped++
		}
	}
	return skipped, nil
}

func (s *Store) RecomputeJobStatus(_ context.Context, sc tenant.Scope, jobID string) (*storage.JobOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	j, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != domain.StatusRunning {
		return &storage.JobOutcome{Job: cloneJob(j)}, nil
	}

	eval := storage.EvaluateJob(d.tasksOf(jobID), j.MaxRetries)
	if eval.Status == domain.StatusRunning {
		return &storage.JobOutcome{Job: cloneJob(j)}, nil
	}

	now := s.now()
	j.Status = eval.Status
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.WorkerID = nil
	if eval.Failed != nil {
		j.LastError = eval.Failed.Error
		j.LastErrorClass = eval.Failed.ErrorClass
	} else {
		j.LastError, j.LastErrorClass = "", domain.ErrorClassNone
		j.Result = cloneRaw(eval.Result)
	}
	return &storage.JobOutcome{Job: cloneJob(j), Changed: true}, nil
}

func (s *Store) RecomputeBatchStatus(_ context.Context, sc tenant.Scope, batchID string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	b, ok := d.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}

	var statuses []domain.Status
	for _, j := range d.jobs {
		if j.BatchID != nil && *j.BatchID == batchID {
			statuses = append(statuses, j.Status)
		}
	}
	b.ApplyCounts(statuses)
	b.UpdatedAt = s.now()
	cp := *b
	return &cp, nil
}

func (s *Store) RequeueJob(_ context.Context, sc tenant.Scope, jobID string, nextRunAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return err
	}
	j, ok := d.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.StatusRunning {
		return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, jobID, j.Status, domain.StatusPending)
	}

	j.Status = domain.StatusPending
	j.NextRunAt = nextRunAt
	j.LastError = lastErr
	j.LastErrorClass = domain.ErrorClassTransient
	j.WorkerID = nil
	j.DeadlineAt = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) FailJob(_ context.Context, sc tenant.Scope, jobID string, class domain.ErrorClass, message string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	j, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != domain.StatusRunning {
		return nil, fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, jobID, j.Status, domain.StatusFailed)
	}

	now := s.now()
	j.Status = domain.StatusFailed
	j.LastError = message
	j.LastErrorClass = class
	j.WorkerID = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *Store) RetryJob(_ context.Context, sc tenant.Scope, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	j, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if err := j.CanRetry(); err != nil {
		return nil, err
	}

	now := s.now()
	j.Status = domain.StatusPending
	j.RetryCount++
	j.NextRunAt = now
	j.WorkerID = nil
	j.DeadlineAt = nil
	j.FinishedAt = nil
	j.UpdatedAt = now

	if j.BatchID != nil {
		s.refreshBatchLocked(d, *j.BatchID)
	}
	return cloneJob(j), nil
}

func (s *Store) CancelJob(_ context.Context, sc tenant.Scope, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}
	j, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !domain.CanTransitionJob(j.Status, domain.StatusCancelled) {
		return nil, domain.ErrJobTerminal
	}

	now := s.now()
	wasPending := j.Status == domain.StatusPending
	j.Status = domain.StatusCancelled
	j.LastErrorClass = domain.ErrorClassCancelled
	j.LastError = "cancelled by request"
	j.FinishedAt = &now
	j.UpdatedAt = now

	// A running job's worker skips its tasks itself once the in-flight task returns
	if wasPending {
		for _, id := range d.jobTasks[jobID] {
			t := d.tasks[id]
			if domain.CanTransitionTask(t.Status, domain.StatusSkipped) && t.Status != domain.StatusRunning {
				t.Status = domain.StatusSkipped
				t.ErrorClass = domain.ErrorClassCancelled
				t.FinishedAt = &now
				t.UpdatedAt = now
			}
		}
	}
	if j.BatchID != nil {
		s.refreshBatchLocked(d, *j.BatchID)
	}
	return cloneJob(j), nil
}

func (s *Store) refreshBatchLocked(d *schemaData, batchID string) {
	b, ok := d.batches[batchID]
	if !ok {
		return
	}
	var statuses []domain.Status
	for _, j := range d.jobs {
		if j.BatchID != nil && *j.BatchID == batchID {
			statuses = append(statuses, j.Status)
		}
	}
	b.ApplyCounts(statuses)
	b.UpdatedAt = s.now()
}

func (s *Store) ExpireJobs(_ context.Context, sc tenant.Scope, now, staleBefore time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return nil, err
	}

	var expired []domain.Job
	for _, j := range d.jobs {
		if !j.Expired(now, staleBefore) {
			continue
		}
		msg := "execution deadline exceeded"
		if j.DeadlineAt != nil && !j.DeadlineAt.Before(now) {
			msg = "worker heartbeat lost"
		}
		for _, id := range d.jobTasks[j.ID] {
			t := d.tasks[id]
			if t.Status == domain.StatusRunning {
				t.Status = domain.StatusFailed
				t.Error = msg
				t.ErrorClass = domain.ErrorClassExpired
				t.FinishedAt = &now
				t.UpdatedAt = now
			}
		}
		j.Status = domain.StatusFailed
		j.LastError = msg
		j.LastErrorClass = domain.ErrorClassExpired
		j.WorkerID = nil
		j.FinishedAt = &now
		j.UpdatedAt = now
		expired = append(expired, *cloneJob(j))
	}
	return expired, nil
}

func (s *Store) PurgeTerminal(_ context.Context, sc tenant.Scope, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.data(sc)
	if err != nil {
		return 0, err
	}

	var purged int64
	for id, b := range d.batches {
		if !b.IsTerminal() || !b.UpdatedAt.Before(before) {
			continue
		}
		for jobID, j := range d.jobs {
			if j.BatchID != nil && *j.BatchID == id {
				d.deleteJob(jobID)
				purged++
			}
		}
		delete(d.batches, id)
	}
	for jobID, j := range d.jobs {
		if j.BatchID == nil && j.Status.IsTerminal() && j.UpdatedAt.Before(before) {
			d.deleteJob(jobID)
			purged++
		}
	}
	return purged, nil
}

func (d *schemaData) deleteJob(jobID string) {
	j := d.jobs[jobID]
	for _, id := range d.jobTasks[jobID] {
		delete(d.tasks, id)
	}
	delete(d.jobTasks, jobID)
	delete(d.keys, j.NaturalKey())
	delete(d.jobs, jobID)
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.Payload = cloneRaw(j.Payload)
	cp.Result = cloneRaw(j.Result)
	return &cp
}

func cloneTask(t *domain.Task) *domain.Task {
	cp := *t
	cp.Input = cloneRaw(t.Input)
	cp.Result = cloneRaw(t.Result)
	return &cp
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
