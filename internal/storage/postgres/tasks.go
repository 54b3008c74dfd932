package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const taskColumns = `
	id, job_id, step_type, step_order, status, mode, idempotency_marker, input,
	COALESCE(result, 'null'::jsonb) AS result, error, error_class, retry_count,
	deadline_at, started_at, finished_at, created_at, updated_at
`

func (s *Store) ListTasks(ctx context.Context, sc tenant.Scope, jobID string) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		if _, err := getJob(ctx, tx, jobID, false); err != nil {
			return err
		}
		var err error
		tasks, err = listTasks(ctx, tx, jobID)
		return err
	})
	return tasks, err
}

func listTasks(ctx context.Context, tx *sqlx.Tx, jobID string) ([]domain.Task, error) {
	var tasks []domain.Task
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id = $1 ORDER BY step_order`
	if err := tx.SelectContext(ctx, &tasks, query, jobID); err != nil {
		return nil, mapError(err, "list tasks")
	}
	for i := range tasks {
		normalizeTask(&tasks[i])
	}
	return tasks, nil
}

// UpsertTasks inserts the specs and leaves existing step orders untouched, so
// re-expanding a re-claimed job never duplicates its tasks
func (s *Store) UpsertTasks(ctx context.Context, sc tenant.Scope, jobID string, specs []domain.TaskSpec) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		if _, err := getJob(ctx, tx, jobID, false); err != nil {
			return err
		}

		query := `
			INSERT INTO tasks (
				id, job_id, step_type, step_order, status, mode,
				idempotency_marker, input
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (job_id, step_order) DO NOTHING
		`
		for _, spec := range specs {
			input := "{}"
			if len(spec.Input) > 0 {
				input = string(spec.Input)
			}
			if _, err := tx.ExecContext(ctx, query,
				uuid.New().String(), jobID, spec.StepType, spec.StepOrder, domain.StatusPending, spec.Mode,
				spec.IdempotencyMarker, input,
			); err != nil {
				return mapError(err, "create task")
			}
		}

		var err error
		tasks, err = listTasks(ctx, tx, jobID)
		return err
	})
	return tasks, err
}

func (s *Store) TransitionTask(ctx context.Context, sc tenant.Scope, taskID string, to domain.Status, update domain.TaskUpdate) (*domain.Task, error) {
	var task domain.Task
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		var from domain.Status
		if err := tx.GetContext(ctx, &from, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrTaskNotFound
			}
			return mapError(err, "get task")
		}
		if !domain.CanTransitionTask(from, to) {
			return fmt.Errorf("%w: task %s %s -> %s", domain.ErrInvalidTransition, taskID, from, to)
		}

		query, args := buildTransitionQuery(taskID, to, update)
		if err := tx.GetContext(ctx, &task, query, args...); err != nil {
			return mapError(err, "transition task")
		}
		normalizeTask(&task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// buildTransitionQuery renders the UPDATE for one task status change
func buildTransitionQuery(taskID string, to domain.Status, update domain.TaskUpdate) (string, []interface{}) {
	set := "status = $1, updated_at = NOW()"
	args := []interface{}{to}

	switch to {
	case domain.StatusRunning:
		set += ", started_at = NOW(), finished_at = NULL, deadline_at = $2"
		args = append(args, update.DeadlineAt)
	case domain.StatusCompleted:
		set += ", result = $2, error = '', error_class = '', finished_at = NOW()"
		args = append(args, jsonArg(update.Result))
	case domain.StatusFailed, domain.StatusSkipped:
		set += ", error = $2, error_class = $3, finished_at = NOW()"
		args = append(args, update.Error, update.ErrorClass)
	}
	if update.IncrementRetry {
		set += ", retry_count = retry_count + 1"
	}

	args = append(args, taskID)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d RETURNING %s", set, len(args), taskColumns)
	return query, args
}

func (s *Store) SkipRemainingTasks(ctx context.Context, sc tenant.Scope, jobID string) (int, error) {
	query := `
		UPDATE tasks
		SET status = $1, error_class = $2, finished_at = NOW(), updated_at = NOW()
		WHERE job_id = $3 AND status IN ($4, $5, $6)
	`
	var skipped int
	err := s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			domain.StatusSkipped, domain.ErrorClassCancelled, jobID,
			domain.StatusPending, domain.StatusRunning, domain.StatusFailed,
		)
		if err != nil {
			return mapError(err, "skip tasks")
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		skipped = int(n)
		return nil
	})
	return skipped, err
}

func normalizeTask(t *domain.Task) {
	if string(t.Result) == "null" {
		t.Result = nil
	}
}
