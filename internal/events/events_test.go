package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (p *fakePublisher) PublishWithKey(_ context.Context, routingKey string, body []byte, _ string) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.bodies = append(p.bodies, body)
	return nil
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Emit(context.Background(), Event{
		Type:       TaskFailed,
		TenantID:   "shop",
		JobID:      "job-1",
		TaskID:     "task-1",
		StepType:   "create_listing",
		ErrorClass: "transient",
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "task.failed", line["event"])
	assert.Equal(t, "shop", line["tenant_id"])
	assert.Equal(t, "task-1", line["task_id"])
	assert.Equal(t, "transient", line["error_class"])
	assert.NotContains(t, line, "batch_id")
}

func TestBrokerSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewBrokerSink(pub, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	sink.Emit(context.Background(), Event{Type: JobCompleted, TenantID: "shop", JobID: "job-1"})

	require.Len(t, pub.keys, 1)
	assert.Equal(t, "events.job.completed", pub.keys[0])

	var got Event
	require.NoError(t, json.Unmarshal(pub.bodies[0], &got))
	assert.Equal(t, JobCompleted, got.Type)
	assert.Equal(t, "job-1", got.JobID)
	assert.False(t, got.Time.IsZero())
}

func TestBrokerSink_PublishErrorIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	pub := &fakePublisher{err: errors.New("channel closed")}
	sink := NewBrokerSink(pub, slog.New(slog.NewTextHandler(&buf, nil)))

	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), Event{Type: JobFailed, JobID: "job-1"})
	})
	assert.Contains(t, buf.String(), "Failed to publish event")
}

func TestMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, b, Discard{}}.Emit(context.Background(), Event{Type: JobClaimed})
	Multi{a, b}.Emit(context.Background(), Event{Type: JobCompleted})

	assert.Equal(t, []Type{JobClaimed, JobCompleted}, a.Types())
	assert.Equal(t, a.Types(), b.Types())
}
