package domain

// Status is the lifecycle state shared by Jobs and Tasks
type Status string

// Job and task status constants
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// BatchStatus is always derived from the child jobs, never set directly
type BatchStatus string

// Batch status constants
const (
	BatchStatusRunning       BatchStatus = "RUNNING"
	BatchStatusCompleted     BatchStatus = "COMPLETED"
	BatchStatusFailedPartial BatchStatus = "FAILED_PARTIAL"
)

// ExecutionMode selects how a task reaches the marketplace
type ExecutionMode string

const (
	ModeLocal       ExecutionMode = "LOCAL"
	ModeRemoteAgent ExecutionMode = "REMOTE_AGENT"
)

// IsTerminal reports whether no worker will move the entity any further on its own.
// FAILED is terminal even though an explicit retry may reopen it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

var jobTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	// RUNNING -> PENDING is the automatic requeue after a transient task failure
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	StatusFailed:  {StatusPending},
}

var taskTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCompleted, StatusSkipped},
	// RUNNING -> RUNNING re-attempts a step left behind by a crashed worker
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusSkipped},
	StatusFailed:  {StatusRunning, StatusCompleted, StatusSkipped},
}

// CanTransitionJob reports whether a job may move from one status to another
func CanTransitionJob(from, to Status) bool {
	return allowed(jobTransitions, from, to)
}

// CanTransitionTask reports whether a task may move from one status to another
func CanTransitionTask(from, to Status) bool {
	return allowed(taskTransitions, from, to)
}

func allowed(table map[Status][]Status, from, to Status) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}
