// Package events is the write-only sink for job lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event
type Type string

const (
	BatchSubmitted Type = "batch.submitted"
	JobClaimed     Type = "job.claimed"
	JobCompleted   Type = "job.completed"
	JobFailed      Type = "job.failed"
	JobRequeued    Type = "job.requeued"
	JobRetried     Type = "job.retried"
	JobCancelled   Type = "job.cancelled"
	JobExpired     Type = "job.expired"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	TaskSkipped    Type = "task.skipped"
)

// Event is one structured lifecycle record
type Event struct {
	Type       Type      `json:"type"`
	TenantID   string    `json:"tenant_id"`
	BatchID    string    `json:"batch_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	StepType   string    `json:"step_type,omitempty"`
	Status     string    `json:"status,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// Sink accepts events; emitting never fails the caller
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// LogSink writes events to a structured logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("tenant_id", e.TenantID),
	}
	if e.BatchID != "" {
		attrs = append(attrs, slog.String("batch_id", e.BatchID))
	}
	if e.JobID != "" {
		attrs = append(attrs, slog.String("job_id", e.JobID))
	}
	if e.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", e.TaskID), slog.String("step_type", e.StepType))
	}
	if e.Status != "" {
		attrs = append(attrs, slog.String("status", e.Status))
	}
	if e.ErrorClass != "" {
		attrs = append(attrs, slog.String("error_class", e.ErrorClass))
	}
	if e.Message != "" {
		attrs = append(attrs, slog.String("message", e.Message))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "Lifecycle event", attrs...)
}

// Publisher is the part of the RabbitMQ client the broker sink needs
type Publisher interface {
	PublishWithKey(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// BrokerSink publishes events under the routing key events.<type>
type BrokerSink struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewBrokerSink creates a BrokerSink
func NewBrokerSink(publisher Publisher, logger *slog.Logger) *BrokerSink {
	return &BrokerSink{publisher: publisher, logger: logger}
}

func (s *BrokerSink) Emit(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("Failed to encode event",
			slog.String("event", string(e.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.publisher.PublishWithKey(ctx, RoutingKey(e.Type), body, "application/json"); err != nil {
		s.logger.Warn("Failed to publish event",
			slog.String("event", string(e.Type)),
			slog.String("job_id", e.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// RoutingKey is the broker routing key of an event type
func RoutingKey(t Type) string {
	return "events." + string(t)
}

// Multi fans every event out to several sinks
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Discard drops every event
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []Type {
	events := r.Events()
	out := make([]Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
