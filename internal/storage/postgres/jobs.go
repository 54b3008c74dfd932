package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	id, batch_id, tenant_id, marketplace, operation, target_id, payload,
	status, priority, retry_count, max_retries, last_error, last_error_class,
	COALESCE(result, 'null'::jsonb) AS result, worker_id, next_run_at,
	deadline_at, last_heartbeat_at, started_at, finished_at, created_at, updated_at
`

const batchColumns = `
	id, tenant_id, total_count, completed_count, failed_count, cancelled_count,
	status, created_at, updated_at
`

func (s *Store) CreateBatch(ctx context.Context, sc tenant.Scope, batch *domain.Batch, jobs []*domain.Job) error {
	now := time.Now().UTC()
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	batch.TenantID = sc.TenantID
	batch.TotalCount = len(jobs)
	batch.Status = domain.BatchStatusRunning
	batch.CreatedAt, batch.UpdatedAt = now, now

	batchID := batch.ID
	for _, j := range jobs {
		storage.PrepareJob(sc, j, now)
		j.BatchID = &batchID
	}

	return s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO batches (id, tenant_id, total_count, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		if _, err := tx.ExecContext(ctx, query,
			batch.ID, batch.TenantID, batch.TotalCount, batch.Status, batch.CreatedAt, batch.UpdatedAt,
		); err != nil {
			return mapError(err, "create batch")
		}

		for _, j := range jobs {
			if err := insertJob(ctx, tx, j); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CreateJob(ctx context.Context, sc tenant.Scope, job *domain.Job) error {
	storage.PrepareJob(sc, job, time.Now().UTC())
	return s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		return insertJob(ctx, tx, job)
	})
}

func insertJob(ctx context.Context, tx *sqlx.Tx, j *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, batch_id, tenant_id, marketplace, operation, target_id,
			payload, status, priority, max_retries, next_run_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13
		)
	`
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := tx.ExecContext(ctx, query,
		j.ID, j.BatchID, j.TenantID, j.Marketplace, j.Operation, j.TargetID,
		string(payload), j.Status, j.Priority, j.MaxRetries, j.NextRunAt,
		j.CreatedAt, j.UpdatedAt,
	)
	return mapError(err, "create job")
}

func (s *Store) GetBatch(ctx context.Context, sc tenant.Scope, batchID string) (*domain.Batch, error) {
	var batch domain.Batch
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &batch, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBatchNotFound
		}
		return mapError(err, "get batch")
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *Store) GetJob(ctx context.Context, sc tenant.Scope, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		var err error
		job, err = getJob(ctx, tx, jobID, false)
		return err
	})
	return job, err
}

func getJob(ctx context.Context, tx *sqlx.Tx, jobID string, forUpdate bool) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var job domain.Job
	if err := tx.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, mapError(err, "get job")
	}
	normalizeJob(&job)
	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, sc tenant.Scope, filter storage.JobFilter) ([]domain.Job, error) {
	query, args := buildListJobsQuery(filter)

	var jobs []domain.Job
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		return mapError(tx.SelectContext(ctx, &jobs, query, args...), "list jobs")
	})
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		normalizeJob(&jobs[i])
	}
	return jobs, nil
}

func buildListJobsQuery(filter storage.JobFilter) (string, []interface{}) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	// Filters
	if filter.BatchID != "" {
		query += fmt.Sprintf(" AND batch_id = $%d", argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Marketplace != "" {
		query += fmt.Sprintf(" AND marketplace = $%d", argIdx)
		args = append(args, filter.Marketplace)
		argIdx++
	}

	if filter.Operation != "" {
		query += fmt.Sprintf(" AND operation = $%d", argIdx)
		args = append(args, filter.Operation)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	return query, args
}

// ClaimJob claims a job with a conditional update on its PENDING status
func (s *Store) ClaimJob(ctx context.Context, sc tenant.Scope, jobID string, claim storage.Claim) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    deadline_at = $3,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    finished_at = NULL,
		    updated_at = NOW()
		WHERE id = $4
		  AND status = $5
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &job, query,
			domain.StatusRunning, claim.WorkerID, claim.Deadline, jobID, domain.StatusPending,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobAlreadyClaimed
		}
		return mapError(err, "claim job")
	})
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			s.logger.Debug("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", claim.WorkerID),
			)
		}
		return nil, err
	}
	normalizeJob(&job)
	return &job, nil
}

func (s *Store) ClaimNextRunnableJob(ctx context.Context, sc tenant.Scope, claim storage.Claim) (*domain.Job, error) {
	query := `
		SELECT id FROM jobs
		WHERE status = $1 AND next_run_at <= NOW()
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`
	var candidates []string
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		return mapError(tx.SelectContext(ctx, &candidates, query, domain.StatusPending, claimCandidates), "select runnable jobs")
	})
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

// HeartbeatJob refreshes last_heartbeat_at while the worker still owns the job
func (s *Store) HeartbeatJob(ctx context.Context, sc tenant.Scope, jobID, workerID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2 AND worker_id = $3
	`
	return s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query, jobID, domain.StatusRunning, workerID)
		if err != nil {
			return mapError(err, "update job heartbeat")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
				slog.String("job_id", jobID),
			)
		}
		return nil
	})
}

func (s *Store) RecomputeJobStatus(ctx context.Context, sc tenant.Scope, jobID string) (*storage.JobOutcome, error) {
	var outcome *storage.JobOutcome
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if job.Status != domain.StatusRunning {
			outcome = &storage.JobOutcome{Job: job}
			return nil
		}

		tasks, err := listTasks(ctx, tx, jobID)
		if err != nil {
			return err
		}
		eval := storage.EvaluateJob(tasks, job.MaxRetries)
		if eval.Status == domain.StatusRunning {
			outcome = &storage.JobOutcome{Job: job}
			return nil
		}

		lastErr, lastClass := "", domain.ErrorClassNone
		var result interface{}
		if eval.Failed != nil {
			lastErr, lastClass = eval.Failed.Error, eval.Failed.ErrorClass
		} else {
			result = jsonArg(eval.Result)
		}

		query := `
			UPDATE jobs
			SET status = $1,
			    last_error = $2,
			    last_error_class = $3,
			    result = $4,
			    worker_id = NULL,
			    finished_at = NOW(),
			    updated_at = NOW()
			WHERE id = $5
			RETURNING ` + jobColumns
		var updated domain.Job
		if err := tx.GetContext(ctx, &updated, query, eval.Status, lastErr, lastClass, result, jobID); err != nil {
			return mapError(err, "update job status")
		}
		normalizeJob(&updated)
		outcome = &storage.JobOutcome{Job: &updated, Changed: true}
		return nil
	})
	return outcome, err
}

func (s *Store) RecomputeBatchStatus(ctx context.Context, sc tenant.Scope, batchID string) (*domain.Batch, error) {
	var batch *domain.Batch
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		var err error
		batch, err = refreshBatch(ctx, tx, batchID)
		return err
	})
	return batch, err
}

// refreshBatch recounts the batch children under a row lock on the batch
func refreshBatch(ctx context.Context, tx *sqlx.Tx, batchID string) (*domain.Batch, error) {
	var batch domain.Batch
	err := tx.GetContext(ctx, &batch, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, mapError(err, "get batch")
	}

	var statuses []domain.Status
	if err := tx.SelectContext(ctx, &statuses, `SELECT status FROM jobs WHERE batch_id = $1`, batchID); err != nil {
		return nil, mapError(err, "count batch jobs")
	}
	batch.ApplyCounts(statuses)

	query := `
		UPDATE batches
		SET total_count = $1,
		    completed_count = $2,
		    failed_count = $3,
		    cancelled_count = $4,
		    status = $5,
		    updated_at = NOW()
		WHERE id = $6
		RETURNING ` + batchColumns
	var updated domain.Batch
	if err := tx.GetContext(ctx, &updated, query,
		batch.TotalCount, batch.CompletedCount, batch.FailedCount, batch.CancelledCount, batch.Status, batchID,
	); err != nil {
		return nil, mapError(err, "update batch status")
	}
	return &updated, nil
}

func (s *Store) RequeueJob(ctx context.Context, sc tenant.Scope, jobID string, nextRunAt time.Time, lastErr string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    next_run_at = $2,
		    last_error = $3,
		    last_error_class = $4,
		    worker_id = NULL,
		    deadline_at = NULL,
		    updated_at = NOW()
		WHERE id = $5 AND status = $6
	`
	return s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			domain.StatusPending, nextRunAt, lastErr, domain.ErrorClassTransient, jobID, domain.StatusRunning,
		)
		if err != nil {
			return mapError(err, "requeue job")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			job, err := getJob(ctx, tx, jobID, false)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, jobID, job.Status, domain.StatusPending)
		}
		return nil
	})
}

func (s *Store) FailJob(ctx context.Context, sc tenant.Scope, jobID string, class domain.ErrorClass, message string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    last_error = $2,
		    last_error_class = $3,
		    worker_id = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE id = $4 AND status = $5
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &job, query, domain.StatusFailed, message, class, jobID, domain.StatusRunning)
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := getJob(ctx, tx, jobID, false)
			if getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, jobID, current.Status, domain.StatusFailed)
		}
		if err != nil {
			return mapError(err, "fail job")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	normalizeJob(&job)
	return &job, nil
}

func (s *Store) RetryJob(ctx context.Context, sc tenant.Scope, jobID string) (*domain.Job, error) {
	var out *domain.Job
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if err := job.CanRetry(); err != nil {
			return err
		}

		query := `
			UPDATE jobs
			SET status = $1,
			    retry_count = retry_count + 1,
			    next_run_at = NOW(),
			    worker_id = NULL,
			    deadline_at = NULL,
			    finished_at = NULL,
			    updated_at = NOW()
			WHERE id = $2
			RETURNING ` + jobColumns
		var updated domain.Job
		if err := tx.GetContext(ctx, &updated, query, domain.StatusPending, jobID); err != nil {
			return mapError(err, "retry job")
		}
		normalizeJob(&updated)
		out = &updated

		if updated.BatchID != nil {
			if _, err := refreshBatch(ctx, tx, *updated.BatchID); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) CancelJob(ctx context.Context, sc tenant.Scope, jobID string) (*domain.Job, error) {
	var out *domain.Job
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if !domain.CanTransitionJob(job.Status, domain.StatusCancelled) {
			return domain.ErrJobTerminal
		}

		query := `
			UPDATE jobs
			SET status = $1,
			    last_error = $2,
			    last_error_class = $3,
			    finished_at = NOW(),
			    updated_at = NOW()
			WHERE id = $4
			RETURNING ` + jobColumns
		var updated domain.Job
		if err := tx.GetContext(ctx, &updated, query,
			domain.StatusCancelled, "cancelled by request", domain.ErrorClassCancelled, jobID,
		); err != nil {
			return mapError(err, "cancel job")
		}
		normalizeJob(&updated)
		out = &updated

		// A running job's worker skips its tasks itself once the in-flight task returns
		if job.Status == domain.StatusPending {
			skip := `
				UPDATE tasks
				SET status = $1, error_class = $2, finished_at = NOW(), updated_at = NOW()
				WHERE job_id = $3 AND status IN ($4, $5)
			`
			if _, err := tx.ExecContext(ctx, skip,
				domain.StatusSkipped, domain.ErrorClassCancelled, jobID, domain.StatusPending, domain.StatusFailed,
			); err != nil {
				return mapError(err, "skip tasks")
			}
		}

		if updated.BatchID != nil {
			if _, err := refreshBatch(ctx, tx, *updated.BatchID); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) ExpireJobs(ctx context.Context, sc tenant.Scope, now, staleBefore time.Time) ([]domain.Job, error) {
	var expired []domain.Job
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		query := `SELECT ` + jobColumns + ` FROM jobs
			WHERE status = $1 AND (deadline_at < $2 OR last_heartbeat_at < $3)
			FOR UPDATE SKIP LOCKED`
		var running []domain.Job
		if err := tx.SelectContext(ctx, &running, query, domain.StatusRunning, now, staleBefore); err != nil {
			return mapError(err, "select expired jobs")
		}

		for i := range running {
			job := &running[i]
			normalizeJob(job)
			if !job.Expired(now, staleBefore) {
				continue
			}
			msg := expiryMessage(job, now)

			failTasks := `
				UPDATE tasks
				SET status = $1, error = $2, error_class = $3, finished_at = $4, updated_at = $4
				WHERE job_id = $5 AND status = $6
			`
			if _, err := tx.ExecContext(ctx, failTasks,
				domain.StatusFailed, msg, domain.ErrorClassExpired, now, job.ID, domain.StatusRunning,
			); err != nil {
				return mapError(err, "expire tasks")
			}

			failJob := `
				UPDATE jobs
				SET status = $1, last_error = $2, last_error_class = $3,
				    worker_id = NULL, finished_at = $4, updated_at = $4
				WHERE id = $5
			`
			if _, err := tx.ExecContext(ctx, failJob,
				domain.StatusFailed, msg, domain.ErrorClassExpired, now, job.ID,
			); err != nil {
				return mapError(err, "expire job")
			}

			job.Status = domain.StatusFailed
			job.LastError = msg
			job.LastErrorClass = domain.ErrorClassExpired
			job.WorkerID = nil
			job.FinishedAt = &now
			job.UpdatedAt = now
			expired = append(expired, *job)
		}
		return nil
	})
	return expired, err
}

func expiryMessage(job *domain.Job, now time.Time) string {
	if job.DeadlineAt != nil && job.DeadlineAt.Before(now) {
		return "execution deadline exceeded"
	}
	return "worker heartbeat lost"
}

func (s *Store) PurgeTerminal(ctx context.Context, sc tenant.Scope, before time.Time) (int64, error) {
	var purged int64
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		batched := `
			DELETE FROM jobs WHERE batch_id IN (
				SELECT id FROM batches WHERE status <> $1 AND updated_at < $2
			)
		`
		result, err := tx.ExecContext(ctx, batched, domain.BatchStatusRunning, before)
		if err != nil {
			return mapError(err, "purge batch jobs")
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		purged += n

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM batches WHERE status <> $1 AND updated_at < $2`,
			domain.BatchStatusRunning, before,
		); err != nil {
			return mapError(err, "purge batches")
		}

		standalone := `
			DELETE FROM jobs
			WHERE batch_id IS NULL
			  AND status IN ($1, $2, $3, $4)
			  AND updated_at < $5
		`
		result, err = tx.ExecContext(ctx, standalone,
			domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled, domain.StatusSkipped, before,
		)
		if err != nil {
			return mapError(err, "purge jobs")
		}
		n, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		purged += n
		return nil
	})
	return purged, err
}

// normalizeJob turns the JSON null placeholder of an unset result back into nil
func normalizeJob(j *domain.Job) {
	if string(j.Result) == "null" {
		j.Result = nil
	}
}

// jsonArg passes raw JSON as a text parameter, or NULL when empty
func jsonArg(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
