package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// agentServer serves the poll protocol, handing out each queued descriptor once
type agentServer struct {
	polls atomic.Int32

	mu        sync.Mutex
	queue     []Descriptor
	completed map[string]json.RawMessage
}

func (s *agentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/agent/poll":
		s.polls.Add(1)
		s.mu.Lock()
		tasks := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(tasks) == 0 {
			time.Sleep(5 * time.Millisecond)
			tasks = []Descriptor{}
		}
		_ = json.NewEncoder(w).Encode(PollResponse{Tasks: tasks})
	default:
		var req CompleteRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.completed[r.URL.Path] = req.Result
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(ReportResponse{Accepted: true})
	}
}

func (s *agentServer) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

func TestRunner_PollsOnlyWithFreeSlot(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"listing_id":"V-1"}`)
	}))
	defer site.Close()

	tests := []struct {
		name          string
		exhausted     bool
		wantPolls     bool
		wantCompleted int
	}{
		{name: "free slot", exhausted: false, wantPolls: true, wantCompleted: 1},
		{name: "limiter exhausted", exhausted: true, wantPolls: false, wantCompleted: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &agentServer{
				queue: []Descriptor{{
					TaskID:   "t1",
					JobID:    "j1",
					Kind:     KindHTTPRequest,
					Request:  HTTPRequest{Method: http.MethodPost, URL: site.URL + "/items"},
					Deadline: time.Now().Add(time.Minute),
				}},
				completed: make(map[string]json.RawMessage),
			}
			server := httptest.NewServer(srv)
			defer server.Close()

			limiter := ratelimit.Every(time.Hour, 1)
			if tt.exhausted {
				require.NoError(t, limiter.Acquire(context.Background()))
			}

			runner := NewRunner(
				NewClient(server.URL, "token", time.Second),
				limiter,
				nil,
				5,
				slog.New(slog.NewTextHandler(io.Discard, nil)),
			)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			require.NoError(t, runner.Run(ctx))

			assert.Equal(t, tt.wantPolls, srv.polls.Load() > 0)
			assert.Equal(t, tt.wantCompleted, srv.completedCount())
		})
	}
}
