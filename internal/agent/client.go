package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PollRequest is the body of POST /agent/poll
type PollRequest struct {
	Max int `json:"max"`
}

// PollResponse is the reply to a poll
type PollResponse struct {
	Tasks []Descriptor `json:"tasks"`
}

// FailRequest is the body of POST /agent/tasks/{id}/fail
type FailRequest struct {
	Error      string `json:"error"`
	ErrorClass string `json:"error_class,omitempty"`
}

// CompleteRequest is the body of POST /agent/tasks/{id}/complete
type CompleteRequest struct {
	Result json.RawMessage `json:"result"`
}

// ReportResponse acknowledges a complete or fail call
type ReportResponse struct {
	Accepted  bool `json:"accepted"`
	Discarded bool `json:"discarded"`
}

// Client is the agent side of the wire protocol
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client. pollTimeout is the server hold time; the HTTP
// timeout is padded past it so an empty long-poll is not cut short.
func NewClient(baseURL, token string, pollTimeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: pollTimeout + 10*time.Second},
	}
}

// Poll long-polls for work
func (c *Client) Poll(ctx context.Context, max int) ([]Descriptor, error) {
	var resp PollResponse
	if err := c.post(ctx, "/agent/poll", PollRequest{Max: max}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Complete reports a successful task
func (c *Client) Complete(ctx context.Context, taskID string, result json.RawMessage) (*ReportResponse, error) {
	var resp ReportResponse
	path := "/agent/tasks/" + url.PathEscape(taskID) + "/complete"
	if err := c.post(ctx, path, CompleteRequest{Result: result}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fail reports a failed task
func (c *Client) Fail(ctx context.Context, taskID, message, errorClass string) (*ReportResponse, error) {
	var resp ReportResponse
	path := "/agent/tasks/" + url.PathEscape(taskID) + "/fail"
	if err := c.post(ctx, path, FailRequest{Error: message, ErrorClass: errorClass}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
