package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(pollTimeout time.Duration) *Channel {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChannel(Config{MaxBatch: 2, PollTimeout: pollTimeout}, logger)
}

func descriptor(taskID string, deadline time.Duration) Descriptor {
	return Descriptor{
		TaskID:   taskID,
		JobID:    "job-" + taskID,
		Kind:     KindHTTPRequest,
		Request:  HTTPRequest{Method: "POST", URL: "https://marketplace.test/items"},
		Deadline: time.Now().Add(deadline),
	}
}

func TestChannel_RoundTrip(t *testing.T) {
	ch := newTestChannel(time.Second)

	type outcome struct {
		report Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := ch.Dispatch(context.Background(), "shop", descriptor("t1", 5*time.Second))
		done <- outcome{r, err}
	}()

	tasks, err := ch.Poll(context.Background(), "shop", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].TaskID)

	delivered, err := ch.Complete("shop", "t1", json.RawMessage(`{"listing_id":"V-1"}`))
	require.NoError(t, err)
	assert.True(t, delivered)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.False(t, out.report.Failed())
		assert.JSONEq(t, `{"listing_id":"V-1"}`, string(out.report.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch was not released")
	}
}

func TestChannel_PollTimesOutEmpty(t *testing.T) {
	ch := newTestChannel(30 * time.Millisecond)

	start := time.Now()
	tasks, err := ch.Poll(context.Background(), "shop", 1)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestChannel_PollWakesOnDispatch(t *testing.T) {
	ch := newTestChannel(5 * time.Second)

	result := make(chan []Descriptor, 1)
	go func() {
		tasks, _ := ch.Poll(context.Background(), "shop", 1)
		result <- tasks
	}()

	time.Sleep(20 * time.Millisecond)
	go func() {
		_, _ = ch.Dispatch(context.Background(), "shop", descriptor("t1", time.Second))
	}()

	select {
	case tasks := <-result:
		require.Len(t, tasks, 1)
		assert.Equal(t, "t1", tasks[0].TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("poll was not woken by dispatch")
	}
}

func TestChannel_TenantIsolation(t *testing.T) {
	ch := newTestChannel(20 * time.Millisecond)

	go func() {
		_, _ = ch.Dispatch(context.Background(), "shop", descriptor("t1", time.Second))
	}()
	require.Eventually(t, func() bool { return ch.QueueDepth("shop") == 1 }, time.Second, 5*time.Millisecond)

	tasks, err := ch.Poll(context.Background(), "other", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = ch.Complete("other", "t1", nil)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestChannel_MaxBatch(t *testing.T) {
	ch := newTestChannel(time.Second)

	for _, id := range []string{"t1", "t2", "t3"} {
		d := descriptor(id, time.Second)
		go func() { _, _ = ch.Dispatch(context.Background(), "shop", d) }()
	}
	require.Eventually(t, func() bool { return ch.QueueDepth("shop") == 3 }, time.Second, 5*time.Millisecond)

	tasks, err := ch.Poll(context.Background(), "shop", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Equal(t, 1, ch.QueueDepth("shop"))
}

func TestChannel_AgentTimeout(t *testing.T) {
	ch := newTestChannel(time.Second)

	_, err := ch.Dispatch(context.Background(), "shop", descriptor("t1", 30*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentTimeout))

	var taskErr *domain.TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, domain.ErrorClassAgentTimeout, taskErr.Class)
	assert.Equal(t, 0, ch.QueueDepth("shop"))

	delivered, err := ch.Complete("shop", "t1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, delivered, "late report must be discarded")
}

func TestChannel_ReportAtDeadline(t *testing.T) {
	ch := newTestChannel(time.Second)

	type outcome struct {
		report Report
		err    error
	}
	for i := 0; i < 50; i++ {
		d := descriptor(fmt.Sprintf("t%d", i), 20*time.Millisecond)
		done := make(chan outcome, 1)
		go func() {
			r, err := ch.Dispatch(context.Background(), "shop", d)
			done <- outcome{r, err}
		}()
		require.Eventually(t, func() bool { return ch.QueueDepth("shop") == 1 }, time.Second, time.Millisecond)

		time.Sleep(time.Until(d.Deadline))
		delivered, err := ch.Complete("shop", d.TaskID, json.RawMessage(`{"listing_id":"V-1"}`))
		require.NoError(t, err)

		out := <-done
		if delivered {
			require.NoError(t, out.err, "accepted report lost to the deadline")
			assert.JSONEq(t, `{"listing_id":"V-1"}`, string(out.report.Result))
		} else {
			assert.ErrorIs(t, out.err, ErrAgentTimeout)
		}
		assert.Equal(t, 0, ch.QueueDepth("shop"))
	}
}

func TestChannel_AbandonAfterDelivery(t *testing.T) {
	tests := []struct {
		name    string
		deliver bool
	}{
		{name: "report delivered first", deliver: true},
		{name: "no report", deliver: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newTestChannel(time.Second)
			w := &waiter{tenantID: "shop", report: make(chan Report, 1)}
			ch.mu.Lock()
			ch.waiters["t1"] = w
			ch.queues["shop"] = []Descriptor{descriptor("t1", time.Second)}
			ch.mu.Unlock()

			if tt.deliver {
				delivered, err := ch.Complete("shop", "t1", json.RawMessage(`{}`))
				require.NoError(t, err)
				require.True(t, delivered)
			}

			assert.Equal(t, !tt.deliver, ch.abandon("shop", "t1"))
			if tt.deliver {
				// the report is already buffered for the waiter
				require.Len(t, w.report, 1)
			} else {
				assert.Empty(t, w.report)
			}
			assert.Equal(t, 0, ch.QueueDepth("shop"))
		})
	}
}

func TestChannel_FailReport(t *testing.T) {
	ch := newTestChannel(time.Second)

	done := make(chan Report, 1)
	go func() {
		r, _ := ch.Dispatch(context.Background(), "shop", descriptor("t1", 5*time.Second))
		done <- r
	}()
	require.Eventually(t, func() bool { return ch.QueueDepth("shop") == 1 }, time.Second, 5*time.Millisecond)

	delivered, err := ch.Fail("shop", "t1", "session expired", "transient")
	require.NoError(t, err)
	assert.True(t, delivered)

	r := <-done
	require.True(t, r.Failed())
	var taskErr *domain.TaskError
	require.True(t, errors.As(r.Err(), &taskErr))
	assert.Equal(t, domain.ErrorClassTransient, taskErr.Class)
}

func TestChannel_DuplicateDispatch(t *testing.T) {
	ch := newTestChannel(time.Second)

	go func() {
		_, _ = ch.Dispatch(context.Background(), "shop", descriptor("t1", time.Second))
	}()
	require.Eventually(t, func() bool { return ch.QueueDepth("shop") == 1 }, time.Second, 5*time.Millisecond)

	_, err := ch.Dispatch(context.Background(), "shop", descriptor("t1", time.Second))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestReport_Err(t *testing.T) {
	assert.NoError(t, Report{Result: json.RawMessage(`{}`)}.Err())

	var taskErr *domain.TaskError
	require.True(t, errors.As(Report{Error: "bad", ErrorClass: "internal"}.Err(), &taskErr))
	assert.Equal(t, domain.ErrorClassPermanent, taskErr.Class)
}
