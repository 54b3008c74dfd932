package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/events"
	"github.com/cuongbtq/listing-orchestrator/internal/handler"
	"github.com/cuongbtq/listing-orchestrator/internal/retry"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/cuongbtq/listing-orchestrator/shared/metrics"
)

type outcome int

const (
	// outcomeSettled means every attempted task is recorded; the job status is recomputed
	outcomeSettled outcome = iota
	// outcomeRequeue sends the job back to PENDING for an automatic retry
	outcomeRequeue
	outcomeCancelled
	// outcomeFailed means the job was failed before it produced tasks
	outcomeFailed
	// outcomeInterrupted returns the job to PENDING without consuming a retry
	outcomeInterrupted
	// outcomeAbandoned means something else (the expiry sweep) already moved the job on
	outcomeAbandoned
)

type pipelineResult struct {
	outcome outcome
	failure retry.Failure
}

func interrupted(reason string) pipelineResult {
	return pipelineResult{outcome: outcomeInterrupted, failure: retry.Failure{Message: reason}}
}

// processJob runs one claimed job under its tenant scope. The scope is bound
// here and dropped when the job cycle ends.
func (w *Worker) processJob(ctx context.Context, sc tenant.Scope, job *domain.Job, workerName string) {
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("tenant_id", sc.TenantID),
		slog.String("worker_name", workerName),
	)
	logger.Info("Processing job",
		slog.String("marketplace", string(job.Marketplace)),
		slog.String("operation", string(job.Operation)),
		slog.String("target_id", job.TargetID),
		slog.Int("retry_count", job.RetryCount),
	)
	metrics.JobsClaimed.WithLabelValues(string(job.Marketplace), string(job.Operation)).Inc()
	w.emitJob(ctx, events.JobClaimed, job, domain.StatusRunning, domain.ErrorClassNone, "")

	deadline := time.Now().Add(w.jobTimeout)
	if job.DeadlineAt != nil {
		deadline = *job.DeadlineAt
	}
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, sc, job.ID, workerName, heartbeatDone)

	result := w.runPipeline(ctx, jobCtx, sc, job, logger)
	close(heartbeatDone)

	// Status writes must land even when the worker is shutting down
	w.finishJob(context.WithoutCancel(ctx), sc, job, result, logger)
}

// runPipeline executes the job's tasks strictly in step order and stops at the
// first task that does not complete
func (w *Worker) runPipeline(ctx, jobCtx context.Context, sc tenant.Scope, job *domain.Job, logger *slog.Logger) pipelineResult {
	storeCtx := context.WithoutCancel(ctx)

	h, err := w.registry.Lookup(job.Marketplace, job.Operation)
	if err != nil {
		return w.failJob(storeCtx, sc, job, domain.ErrorClassPermanent, err.Error(), logger)
	}

	var specs []domain.TaskSpec
	err = w.protect(logger, func() error {
		var err error
		specs, err = h.CreateTasks(jobCtx, job)
		return err
	})
	if err != nil {
		return w.failJob(storeCtx, sc, job, retry.Classify(err), err.Error(), logger)
	}

	tasks, err := w.store.UpsertTasks(storeCtx, sc, job.ID, specs)
	if err != nil {
		logger.Error("Failed to create tasks", slog.String("error", err.Error()))
		return interrupted("failed to create tasks: " + err.Error())
	}

	ex := &handler.Execution{Scope: sc, Job: job}
	for i := range tasks {
		task := &tasks[i]

		status, err := w.jobStatus(storeCtx, sc, job.ID)
		if err != nil {
			logger.Error("Failed to check job status", slog.String("error", err.Error()))
			return interrupted("failed to check job status: " + err.Error())
		}
		switch status {
		case domain.StatusRunning:
		case domain.StatusCancelled:
			return w.cancelPipeline(storeCtx, sc, job, logger)
		default:
			logger.Warn("Job is no longer running, abandoning pipeline",
				slog.String("status", string(status)),
			)
			return pipelineResult{outcome: outcomeAbandoned}
		}
		if ctx.Err() != nil {
			return interrupted("worker stopped before " + task.StepType)
		}

		check := false
		switch w.engine.Decide(task, job.MaxRetries) {
		case retry.ActionSkip:
			if task.Status == domain.StatusCompleted {
				ex.Record(*task)
			}
			continue
		case retry.ActionFailPermanent:
			logger.Warn("Task already failed permanently, halting pipeline",
				slog.String("task_id", task.ID),
				slog.String("step_type", task.StepType),
			)
			return pipelineResult{outcome: outcomeSettled}
		case retry.ActionCheckIdempotency:
			check = true
		}

		if res := w.runTask(ctx, jobCtx, sc, h, ex, job, task, check, logger); res != nil {
			return *res
		}
	}
	return pipelineResult{outcome: outcomeSettled}
}

// runTask executes one task with one commit per transition. It returns nil
// when the task completed and the pipeline may continue.
func (w *Worker) runTask(
	ctx, jobCtx context.Context,
	sc tenant.Scope,
	h handler.Handler,
	ex *handler.Execution,
	job *domain.Job,
	task *domain.Task,
	check bool,
	logger *slog.Logger,
) *pipelineResult {
	storeCtx := context.WithoutCancel(ctx)
	taskLogger := logger.With(
		slog.String("task_id", task.ID),
		slog.String("step_type", task.StepType),
		slog.Int("step_order", task.StepOrder),
	)

	deadline, _ := jobCtx.Deadline()
	running, err := w.store.TransitionTask(storeCtx, sc, task.ID, domain.StatusRunning, domain.TaskUpdate{DeadlineAt: &deadline})
	if err != nil {
		taskLogger.Error("Failed to mark task running", slog.String("error", err.Error()))
		res := interrupted("failed to start " + task.StepType + ": " + err.Error())
		return &res
	}
	*task = *running

	started := time.Now()
	var result domain.Result
	err = w.protect(taskLogger, func() error {
		if check {
			if checker, ok := h.(handler.IdempotencyChecker); ok {
				res, applied, err := checker.AlreadyApplied(jobCtx, ex, task)
				if err != nil {
					return err
				}
				if applied {
					result = res
					return nil
				}
			}
		}
		var err error
		result, err = h.Execute(jobCtx, ex, task)
		return err
	})
	elapsed := time.Since(started)
	metrics.TaskDuration.WithLabelValues(task.StepType, string(task.Mode)).Observe(elapsed.Seconds())

	if ctx.Err() == nil {
		if res := w.haltIfStopped(storeCtx, sc, job, taskLogger); res != nil {
			return res
		}
	}

	if err != nil {
		return w.onTaskFailure(ctx, jobCtx, sc, job, task, err, taskLogger)
	}

	completed, err := w.store.TransitionTask(storeCtx, sc, task.ID, domain.StatusCompleted, domain.TaskUpdate{Result: result.Payload})
	if err != nil {
		// The task stays RUNNING, so the next attempt checks whether its side effect happened
		taskLogger.Error("Failed to record task completion", slog.String("error", err.Error()))
		res := interrupted("failed to record completion of " + task.StepType + ": " + err.Error())
		return &res
	}
	ex.Record(*completed)

	metrics.TasksFinished.WithLabelValues(task.StepType, string(domain.StatusCompleted)).Inc()
	message := ""
	if result.Skipped {
		message = "side effect already applied"
	}
	w.emitTask(storeCtx, events.TaskCompleted, job, completed, message)
	taskLogger.Info("Task completed",
		slog.Bool("already_applied", result.Skipped),
		slog.Duration("duration", elapsed),
	)
	return nil
}

func (w *Worker) onTaskFailure(
	ctx, jobCtx context.Context,
	sc tenant.Scope,
	job *domain.Job,
	task *domain.Task,
	taskErr error,
	logger *slog.Logger,
) *pipelineResult {
	storeCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		logger.Warn("Task interrupted by shutdown", slog.String("error", taskErr.Error()))
		res := interrupted("worker stopped during " + task.StepType)
		return &res
	}

	var failure retry.Failure
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		failure = retry.Failure{
			Class:   domain.ErrorClassExpired,
			Message: "execution deadline exceeded: " + taskErr.Error(),
		}
	} else {
		failure = w.engine.OnFailure(task, taskErr, job.MaxRetries)
	}

	failed, err := w.store.TransitionTask(storeCtx, sc, task.ID, domain.StatusFailed, domain.TaskUpdate{
		Error:          failure.Message,
		ErrorClass:     failure.Class,
		IncrementRetry: failure.IncrementRetry,
	})
	if err != nil {
		logger.Error("Failed to record task failure", slog.String("error", err.Error()))
		res := interrupted("failed to record failure of " + task.StepType + ": " + err.Error())
		return &res
	}

	metrics.TasksFinished.WithLabelValues(task.StepType, string(domain.StatusFailed)).Inc()
	w.emitTask(storeCtx, events.TaskFailed, job, failed, failure.Message)
	logger.Warn("Task failed",
		slog.String("error_class", string(failure.Class)),
		slog.Int("retry_count", failed.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
		slog.Bool("requeue", failure.Requeue),
		slog.String("error", failure.Message),
	)

	if failure.Requeue {
		return &pipelineResult{outcome: outcomeRequeue, failure: failure}
	}
	return &pipelineResult{outcome: outcomeSettled}
}

// finishJob persists the job-level consequence of the pipeline and cascades to the batch
func (w *Worker) finishJob(ctx context.Context, sc tenant.Scope, job *domain.Job, res pipelineResult, logger *slog.Logger) {
	mp, op := string(job.Marketplace), string(job.Operation)

	switch res.outcome {
	case outcomeRequeue:
		if err := w.store.RequeueJob(ctx, sc, job.ID, res.failure.NextRunAt, res.failure.Message); err != nil {
			if w.settleIfCancelled(ctx, sc, job, logger) {
				break
			}
			logger.Error("Failed to requeue job", slog.String("error", err.Error()))
			break
		}
		metrics.JobsFinished.WithLabelValues(mp, op, "requeued").Inc()
		w.emitJob(ctx, events.JobRequeued, job, domain.StatusPending, res.failure.Class, res.failure.Message)
		logger.Info("Job requeued for automatic retry",
			slog.Time("next_run_at", res.failure.NextRunAt),
		)

	case outcomeInterrupted:
		if err := w.store.RequeueJob(ctx, sc, job.ID, time.Now(), res.failure.Message); err != nil {
			if w.settleIfCancelled(ctx, sc, job, logger) {
				break
			}
			logger.Error("Failed to return job to queue", slog.String("error", err.Error()))
			break
		}
		logger.Warn("Job returned to queue", slog.String("reason", res.failure.Message))

	case outcomeSettled:
		out, err := w.store.RecomputeJobStatus(ctx, sc, job.ID)
		if err != nil {
			logger.Error("Failed to recompute job status", slog.String("error", err.Error()))
			break
		}
		if !out.Changed {
			if out.Job.Status == domain.StatusCancelled {
				w.cancelPipeline(ctx, sc, job, logger)
				break
			}
			logger.Warn("Job status unchanged after pipeline",
				slog.String("status", string(out.Job.Status)),
			)
			break
		}
		metrics.JobsFinished.WithLabelValues(mp, op, string(out.Job.Status)).Inc()
		if out.Job.Status == domain.StatusCompleted {
			w.emitJob(ctx, events.JobCompleted, out.Job, out.Job.Status, domain.ErrorClassNone, "")
			logger.Info("Job completed successfully")
		} else {
			w.emitJob(ctx, events.JobFailed, out.Job, out.Job.Status, out.Job.LastErrorClass, out.Job.LastError)
			logger.Warn("Job failed",
				slog.String("error_class", string(out.Job.LastErrorClass)),
				slog.String("error", out.Job.LastError),
				slog.Bool("retryable", out.Job.Retryable()),
			)
		}

	case outcomeCancelled, outcomeFailed, outcomeAbandoned:
	}

	if job.BatchID == nil {
		return
	}
	batch, err := w.store.RecomputeBatchStatus(ctx, sc, *job.BatchID)
	if err != nil {
		logger.Error("Failed to recompute batch status",
			slog.String("batch_id", *job.BatchID),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("Batch status recomputed",
		slog.String("batch_id", batch.ID),
		slog.String("status", string(batch.Status)),
		slog.Int("completed", batch.CompletedCount),
		slog.Int("failed", batch.FailedCount),
		slog.Int("total", batch.TotalCount),
	)
}

func (w *Worker) failJob(ctx context.Context, sc tenant.Scope, job *domain.Job, class domain.ErrorClass, message string, logger *slog.Logger) pipelineResult {
	failed, err := w.store.FailJob(ctx, sc, job.ID, class, message)
	if err != nil {
		logger.Error("Failed to fail job", slog.String("error", err.Error()))
		return interrupted("failed to fail job: " + err.Error())
	}

	metrics.JobsFinished.WithLabelValues(string(job.Marketplace), string(job.Operation), string(domain.StatusFailed)).Inc()
	w.emitJob(ctx, events.JobFailed, failed, failed.Status, class, message)
	logger.Error("Job failed before producing tasks",
		slog.String("error_class", string(class)),
		slog.String("error", message),
	)
	return pipelineResult{outcome: outcomeFailed}
}

func (w *Worker) cancelPipeline(ctx context.Context, sc tenant.Scope, job *domain.Job, logger *slog.Logger) pipelineResult {
	skipped, err := w.store.SkipRemainingTasks(ctx, sc, job.ID)
	if err != nil {
		logger.Error("Failed to skip remaining tasks", slog.String("error", err.Error()))
	}

	metrics.JobsFinished.WithLabelValues(string(job.Marketplace), string(job.Operation), string(domain.StatusCancelled)).Inc()
	w.emitJob(ctx, events.TaskSkipped, job, domain.StatusSkipped, domain.ErrorClassCancelled, fmt.Sprintf("%d tasks skipped", skipped))
	logger.Info("Job cancelled, remaining tasks skipped", slog.Int("skipped", skipped))
	return pipelineResult{outcome: outcomeCancelled}
}

// haltIfStopped re-reads the job once a task has executed. When the job was
// cancelled or settled elsewhere meanwhile, the task's outcome is discarded.
func (w *Worker) haltIfStopped(ctx context.Context, sc tenant.Scope, job *domain.Job, logger *slog.Logger) *pipelineResult {
	status, err := w.jobStatus(ctx, sc, job.ID)
	if err != nil {
		logger.Warn("Failed to check job status after task", slog.String("error", err.Error()))
		return nil
	}

	switch status {
	case domain.StatusRunning:
		return nil
	case domain.StatusCancelled:
		// the in-flight task is skipped along with the rest
		logger.Info("Job cancelled while task was in flight, discarding task outcome")
		res := w.cancelPipeline(ctx, sc, job, logger)
		return &res
	default:
		logger.Warn("Job is no longer running, discarding task outcome",
			slog.String("status", string(status)),
		)
		return &pipelineResult{outcome: outcomeAbandoned}
	}
}

// settleIfCancelled skips the remaining tasks of a job cancelled after its
// pipeline finished. It reports whether the job was cancelled.
func (w *Worker) settleIfCancelled(ctx context.Context, sc tenant.Scope, job *domain.Job, logger *slog.Logger) bool {
	status, err := w.jobStatus(ctx, sc, job.ID)
	if err != nil || status != domain.StatusCancelled {
		return false
	}
	w.cancelPipeline(ctx, sc, job, logger)
	return true
}

func (w *Worker) jobStatus(ctx context.Context, sc tenant.Scope, jobID string) (domain.Status, error) {
	current, err := w.store.GetJob(ctx, sc, jobID)
	if err != nil {
		return "", err
	}
	return current.Status, nil
}

// protect runs fn and turns a panic into an internal-class task error
func (w *Worker) protect(logger *slog.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = domain.NewTaskError(domain.ErrorClassInternal, fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return fn()
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, sc tenant.Scope, jobID, workerName string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.HeartbeatJob(ctx, sc, jobID, workerName); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			} else {
				w.logger.Debug("Job heartbeat updated",
					slog.String("job_id", jobID),
				)
			}
		}
	}
}

func (w *Worker) emitJob(ctx context.Context, t events.Type, job *domain.Job, status domain.Status, class domain.ErrorClass, message string) {
	e := events.Event{
		Type:       t,
		TenantID:   job.TenantID,
		JobID:      job.ID,
		Status:     string(status),
		ErrorClass: string(class),
		Message:    message,
		Time:       time.Now().UTC(),
	}
	if job.BatchID != nil {
		e.BatchID = *job.BatchID
	}
	w.events.Emit(ctx, e)
}

func (w *Worker) emitTask(ctx context.Context, t events.Type, job *domain.Job, task *domain.Task, message string) {
	e := events.Event{
		Type:       t,
		TenantID:   job.TenantID,
		JobID:      job.ID,
		TaskID:     task.ID,
		StepType:   task.StepType,
		Status:     string(task.Status),
		ErrorClass: string(task.ErrorClass),
		Message:    message,
		Time:       time.Now().UTC(),
	}
	if job.BatchID != nil {
		e.BatchID = *job.BatchID
	}
	w.events.Emit(ctx, e)
}
