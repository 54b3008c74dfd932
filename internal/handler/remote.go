package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/agent"
	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// RequestBuilder turns a call into the HTTP request an agent performs
type RequestBuilder interface {
	Build(call Call) (agent.HTTPRequest, error)
}

// Dispatcher is the part of the agent channel a remote strategy needs
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID string, d agent.Descriptor) (agent.Report, error)
}

// RemoteStrategy hands calls to the tenant's remote agent and blocks until the
// agent reports or the task deadline passes
type RemoteStrategy struct {
	channel  Dispatcher
	builder  RequestBuilder
	deadline time.Duration
}

var _ Strategy = (*RemoteStrategy)(nil)

// NewRemoteStrategy creates a RemoteStrategy; deadline bounds each wait
func NewRemoteStrategy(channel Dispatcher, builder RequestBuilder, deadline time.Duration) *RemoteStrategy {
	return &RemoteStrategy{channel: channel, builder: builder, deadline: deadline}
}

func (s *RemoteStrategy) Mode() domain.ExecutionMode {
	return domain.ModeRemoteAgent
}

func (s *RemoteStrategy) Perform(ctx context.Context, call Call) (json.RawMessage, error) {
	req, err := s.builder.Build(call)
	if err != nil {
		return nil, err
	}

	report, err := s.channel.Dispatch(ctx, call.TenantID, agent.Descriptor{
		TaskID:   call.TaskID,
		JobID:    call.JobID,
		Kind:     agent.KindHTTPRequest,
		Request:  req,
		Deadline: time.Now().Add(s.deadline),
	})
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		return nil, err
	}
	if len(report.Result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return report.Result, nil
}

// AlreadyApplied always answers no: the backend cannot see the session-bound
// state. Requests carry an Idempotency-Key so the site can drop repeats.
func (s *RemoteStrategy) AlreadyApplied(context.Context, Call) (json.RawMessage, bool, error) {
	return nil, false, nil
}

// SiteRequests builds requests against a marketplace's own web API
type SiteRequests struct {
	BaseURL string
}

func (b SiteRequests) Build(call Call) (agent.HTTPRequest, error) {
	base := strings.TrimRight(b.BaseURL, "/")
	headers := map[string]string{
		"Accept":          "application/json",
		"Idempotency-Key": call.IdempotencyMarker,
	}

	var (
		method string
		path   string
		body   interface{}
	)
	switch call.Step {
	case domain.StepUploadImage:
		method, path = http.MethodPost, "/api/v2/photos"
		body = map[string]string{"source_url": call.ImageURL, "target_id": call.TargetID}
	case domain.StepCreateListing:
		method, path = http.MethodPost, "/api/v2/items"
		body = call.Draft
	case domain.StepUpdateListing:
		method, path = http.MethodPut, "/api/v2/items/"+url.PathEscape(call.ListingID)
		body = call.Draft
	case domain.StepDeleteListing:
		method, path = http.MethodDelete, "/api/v2/items/"+url.PathEscape(call.ListingID)
	case domain.StepSyncOrders:
		method = http.MethodGet
		path = "/api/v2/orders?since=" + url.QueryEscape(call.Since.UTC().Format(time.RFC3339))
	default:
		return agent.HTTPRequest{}, domain.NewTaskError(domain.ErrorClassInternal, fmt.Sprintf("no site request for %q", call.Step), nil)
	}

	req := agent.HTTPRequest{Method: method, URL: base + path, Headers: headers}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return agent.HTTPRequest{}, domain.NewTaskError(domain.ErrorClassInternal, "encode request body", err)
		}
		req.Body = raw
		headers["Content-Type"] = "application/json"
	}
	return req, nil
}
