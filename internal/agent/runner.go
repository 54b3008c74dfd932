package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/marketplace"
	"github.com/cuongbtq/listing-orchestrator/internal/ratelimit"
)

// Runner is a reference remote agent: it long-polls, performs each
// descriptor's HTTP request under an outbound rate limiter and reports back
type Runner struct {
	client     *Client
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	logger     *slog.Logger
	maxBatch   int
}

// NewRunner creates a Runner
func NewRunner(client *Client, limiter *ratelimit.Limiter, httpClient *http.Client, maxBatch int, logger *slog.Logger) *Runner {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Runner{
		client:     client,
		limiter:    limiter,
		httpClient: httpClient,
		logger:     logger,
		maxBatch:   maxBatch,
	}
}

// Run polls until ctx is done
func (r *Runner) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		// descriptor deadlines start running once polled, so wait for a free slot first
		if err := r.limiter.Ready(ctx); err != nil {
			return nil
		}

		tasks, err := r.client.Poll(ctx, r.maxBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("Poll failed, backing off", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, d := range tasks {
			r.handle(ctx, d)
		}
	}
}

func (r *Runner) handle(ctx context.Context, d Descriptor) {
	logger := r.logger.With(slog.String("task_id", d.TaskID), slog.String("job_id", d.JobID))

	taskCtx, cancel := context.WithDeadline(ctx, d.Deadline)
	result, err := r.Execute(taskCtx, d)
	cancel()

	var resp *ReportResponse
	if err != nil {
		class := "permanent"
		var mpErr *marketplace.Error
		if errors.As(err, &mpErr) && mpErr.Retryable {
			class = "transient"
		}
		logger.Warn("Task failed", slog.Any("error", err), slog.String("error_class", class))
		resp, err = r.client.Fail(ctx, d.TaskID, err.Error(), class)
	} else {
		resp, err = r.client.Complete(ctx, d.TaskID, result)
	}

	if err != nil {
		logger.Error("Failed to report task", slog.Any("error", err))
		return
	}
	if resp.Discarded {
		logger.Info("Report discarded by server")
	}
}

// Execute performs the descriptor's request and returns the response body
func (r *Runner) Execute(ctx context.Context, d Descriptor) (json.RawMessage, error) {
	if d.Kind != KindHTTPRequest {
		return nil, fmt.Errorf("unsupported descriptor kind %q", d.Kind)
	}
	if err := r.limiter.Acquire(ctx); err != nil {
		return nil, &marketplace.Error{Op: d.Kind, Retryable: true, Err: err}
	}

	var body io.Reader
	if len(d.Request.Body) > 0 {
		body = bytes.NewReader(d.Request.Body)
	}
	req, err := http.NewRequestWithContext(ctx, d.Request.Method, d.Request.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range d.Request.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, marketplace.NewTransportError("", d.Kind, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, marketplace.NewTransportError("", d.Kind, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, marketplace.NewStatusError("", d.Kind, resp.StatusCode, respBody)
	}

	if len(respBody) == 0 || !json.Valid(respBody) {
		wrapped, _ := json.Marshal(map[string]interface{}{"status": resp.StatusCode, "body": string(respBody)})
		return wrapped, nil
	}
	return respBody, nil
}
