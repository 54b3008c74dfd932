// Package agent implements the Remote Agent Channel: a per-tenant in-memory
// delivery queue that remote agents long-poll, and a correlation map that
// releases the handler waiting on a task when the agent reports back.
//
// The waiting handler and the HTTP handlers serving the agent never share a
// goroutine; they only meet through the channel's maps.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/shared/metrics"
)

var (
	// ErrAgentTimeout is returned when no report arrived before the task deadline
	ErrAgentTimeout = errors.New("remote agent did not report before the deadline")
	// ErrUnknownTask is returned when a report names a task owned by another tenant
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask is returned when a task is already waiting for an agent
	ErrDuplicateTask = errors.New("task already dispatched")
)

// Config holds channel settings
type Config struct {
	// MaxBatch caps how many descriptors one poll returns
	MaxBatch int
	// PollTimeout is how long a poll is held open when no work exists
	PollTimeout time.Duration
}

type waiter struct {
	tenantID string
	report   chan Report
}

// Channel correlates dispatched descriptors with agent reports
type Channel struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string][]Descriptor
	signals map[string]chan struct{}
	waiters map[string]*waiter
}

// NewChannel creates a Channel
func NewChannel(config Config, logger *slog.Logger) *Channel {
	if config.MaxBatch <= 0 {
		config.MaxBatch = 10
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 30 * time.Second
	}
	return &Channel{
		config:  config,
		logger:  logger,
		queues:  make(map[string][]Descriptor),
		signals: make(map[string]chan struct{}),
		waiters: make(map[string]*waiter),
	}
}

// Dispatch enqueues d for the tenant's agent and blocks until the agent
// reports, the descriptor deadline passes or ctx is done
func (c *Channel) Dispatch(ctx context.Context, tenantID string, d Descriptor) (Report, error) {
	w := &waiter{tenantID: tenantID, report: make(chan Report, 1)}

	c.mu.Lock()
	if _, exists := c.waiters[d.TaskID]; exists {
		c.mu.Unlock()
		return Report{}, fmt.Errorf("%w: %s", ErrDuplicateTask, d.TaskID)
	}
	c.waiters[d.TaskID] = w
	c.queues[tenantID] = append(c.queues[tenantID], d)
	c.wakeLocked(tenantID)
	depth := len(c.queues[tenantID])
	c.mu.Unlock()

	metrics.AgentQueueDepth.WithLabelValues(tenantID).Set(float64(depth))
	c.logger.Debug("Task dispatched to remote agent",
		slog.String("task_id", d.TaskID),
		slog.String("tenant_id", tenantID),
		slog.Time("deadline", d.Deadline),
	)

	timer := time.NewTimer(time.Until(d.Deadline))
	defer timer.Stop()

	select {
	case r := <-w.report:
		return r, nil
	case <-timer.C:
		if !c.abandon(tenantID, d.TaskID) {
			// a report accepted concurrently with the deadline wins
			return <-w.report, nil
		}
		metrics.AgentReports.WithLabelValues("timeout").Inc()
		return Report{}, domain.NewTaskError(domain.ErrorClassAgentTimeout, "no agent report for task "+d.TaskID, ErrAgentTimeout)
	case <-ctx.Done():
		if !c.abandon(tenantID, d.TaskID) {
			return <-w.report, nil
		}
		return Report{}, ctx.Err()
	}
}

// abandon forgets a waiter and drops its descriptor if no agent fetched it
// yet. It returns false when a report was already delivered to the waiter.
func (c *Channel) abandon(tenantID, taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, waiting := c.waiters[taskID]
	delete(c.waiters, taskID)
	c.dropLocked(tenantID, taskID)
	return waiting
}

// dropLocked removes an unfetched descriptor; callers hold c.mu
func (c *Channel) dropLocked(tenantID, taskID string) {
	queue := c.queues[tenantID]
	for i, d := range queue {
		if d.TaskID == taskID {
			c.queues[tenantID] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(c.queues[tenantID]) == 0 {
		delete(c.queues, tenantID)
	}
	metrics.AgentQueueDepth.WithLabelValues(tenantID).Set(float64(len(c.queues[tenantID])))
}

// wakeLocked releases every poll blocked on the tenant; callers hold c.mu
func (c *Channel) wakeLocked(tenantID string) {
	if ch, ok := c.signals[tenantID]; ok {
		close(ch)
		delete(c.signals, tenantID)
	}
}

// Poll returns up to max descriptors for the tenant, holding the call open
// until work exists, the poll timeout elapses or ctx is done. An empty slice
// means the agent should reconnect.
func (c *Channel) Poll(ctx context.Context, tenantID string, max int) ([]Descriptor, error) {
	if max <= 0 || max > c.config.MaxBatch {
		max = c.config.MaxBatch
	}

	timer := time.NewTimer(c.config.PollTimeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		batch := c.takeLocked(tenantID, max)
		if len(batch) > 0 {
			depth := len(c.queues[tenantID])
			c.mu.Unlock()
			metrics.AgentQueueDepth.WithLabelValues(tenantID).Set(float64(depth))
			return batch, nil
		}
		signal, ok := c.signals[tenantID]
		if !ok {
			signal = make(chan struct{})
			c.signals[tenantID] = signal
		}
		c.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return []Descriptor{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// takeLocked pops deliverable descriptors; callers hold c.mu
func (c *Channel) takeLocked(tenantID string, max int) []Descriptor {
	queue := c.queues[tenantID]
	now := time.Now()

	var batch []Descriptor
	i := 0
	for ; i < len(queue) && len(batch) < max; i++ {
		d := queue[i]
		if _, ok := c.waiters[d.TaskID]; !ok || !d.Deadline.After(now) {
			continue
		}
		batch = append(batch, d)
	}
	c.queues[tenantID] = queue[i:]
	if len(c.queues[tenantID]) == 0 {
		delete(c.queues, tenantID)
	}
	return batch
}

// Complete delivers a successful report. It returns false when nobody is
// waiting any more; the report is then discarded.
func (c *Channel) Complete(tenantID, taskID string, result []byte) (bool, error) {
	return c.deliver(tenantID, taskID, Report{Result: result})
}

// Fail delivers a failure report
func (c *Channel) Fail(tenantID, taskID, message, errorClass string) (bool, error) {
	if message == "" {
		message = "remote agent reported failure"
	}
	return c.deliver(tenantID, taskID, Report{Error: message, ErrorClass: errorClass})
}

func (c *Channel) deliver(tenantID, taskID string, r Report) (bool, error) {
	c.mu.Lock()
	w, ok := c.waiters[taskID]
	if ok && w.tenantID != tenantID {
		c.mu.Unlock()
		return false, ErrUnknownTask
	}
	if ok {
		// buffered send under c.mu: abandon observes either the waiter or the report
		delete(c.waiters, taskID)
		c.dropLocked(tenantID, taskID)
		w.report <- r
	}
	c.mu.Unlock()

	if !ok {
		metrics.AgentReports.WithLabelValues("discarded").Inc()
		c.logger.Info("Discarding late agent report",
			slog.String("task_id", taskID),
			slog.String("tenant_id", tenantID),
		)
		return false, nil
	}

	metrics.AgentReports.WithLabelValues("delivered").Inc()
	return true, nil
}

// QueueDepth is the number of descriptors waiting for the tenant's agent
func (c *Channel) QueueDepth(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[tenantID])
}

// PollTimeout is the configured long-poll hold time
func (c *Channel) PollTimeout() time.Duration {
	return c.config.PollTimeout
}
