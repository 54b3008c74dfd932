package storage

import (
	"sort"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// Evaluation is the status a job should take given its tasks
type Evaluation struct {
	Status domain.Status
	// Failed is the task that made the job fail, if any
	Failed *domain.Task
	// Result is the result of the last task in step order once all tasks completed
	Result []byte
}

// EvaluateJob applies the job recompute rule to a task list
func EvaluateJob(tasks []domain.Task, maxRetries int) Evaluation {
	sorted := make([]domain.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepOrder < sorted[j].StepOrder })

	allCompleted := true
	for i := range sorted {
		t := &sorted[i]
		if t.PermanentlyFailed(maxRetries) {
			return Evaluation{Status: domain.StatusFailed, Failed: t}
		}
		if t.Status != domain.StatusCompleted {
			allCompleted = false
		}
	}

	if !allCompleted {
		return Evaluation{Status: domain.StatusRunning}
	}

	eval := Evaluation{Status: domain.StatusCompleted}
	if n := len(sorted); n > 0 {
		eval.Result = sorted[n-1].Result
	}
	return eval
}
