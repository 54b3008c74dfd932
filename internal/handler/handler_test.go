package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/agent"
	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/marketplace"
	"github.com/cuongbtq/listing-orchestrator/internal/ratelimit"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStrategy struct {
	mode    domain.ExecutionMode
	calls   []Call
	applied bool
}

func (s *recordingStrategy) Mode() domain.ExecutionMode { return s.mode }

func (s *recordingStrategy) Perform(_ context.Context, call Call) (json.RawMessage, error) {
	s.calls = append(s.calls, call)
	switch call.Step {
	case domain.StepUploadImage:
		return json.RawMessage(`{"id":"img-` + call.ImageURL[len(call.ImageURL)-1:] + `"}`), nil
	default:
		return json.RawMessage(`{"id":"L-1"}`), nil
	}
}

func (s *recordingStrategy) AlreadyApplied(context.Context, Call) (json.RawMessage, bool, error) {
	if s.applied {
		return json.RawMessage(`{"id":"L-existing"}`), true, nil
	}
	return nil, false, nil
}

func publishJob() *domain.Job {
	return &domain.Job{
		ID:          "job-1",
		TenantID:    "shop",
		Marketplace: "vinted",
		Operation:   domain.OperationPublish,
		TargetID:    "product-42",
		Payload:     json.RawMessage(`{"title":"Wool coat","price":49.5,"images":["https://cdn.test/1","https://cdn.test/2"]}`),
		CreatedAt:   time.Now(),
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	s := &recordingStrategy{mode: domain.ModeLocal}
	require.NoError(t, RegisterListingHandlers(r, "ebay", s))

	h, err := r.Lookup("ebay", domain.OperationPublish)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.True(t, r.Supports("ebay", domain.OperationSync))
	assert.Len(t, r.Keys(), 4)

	_, err = r.Lookup("etsy", domain.OperationPublish)
	assert.ErrorIs(t, err, ErrNoHandler)

	err = r.Register("ebay", domain.OperationPublish, h)
	assert.Error(t, err)

	err = r.Register("ebay", "relist", h)
	assert.Error(t, err)
}

func TestCatalogs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterListingHandlers(r, "ebay", &recordingStrategy{mode: domain.ModeLocal}))

	tests := []struct {
		name    string
		catalog Catalog
	}{
		{"registry", r},
		{"listing catalog", ListingCatalog{"ebay"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.catalog.Supports("ebay", domain.OperationDelete))
			assert.False(t, tt.catalog.Supports("etsy", domain.OperationDelete))

			ok := json.RawMessage(`{"title":"Jacket","price":20}`)
			assert.NoError(t, tt.catalog.ValidatePayload("ebay", domain.OperationPublish, ok))

			err := tt.catalog.ValidatePayload("ebay", domain.OperationDelete, json.RawMessage(`{}`))
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)

			err = tt.catalog.ValidatePayload("etsy", domain.OperationPublish, ok)
			assert.ErrorIs(t, err, ErrNoHandler)
		})
	}
}

func TestListingHandler_CreateTasks(t *testing.T) {
	tests := []struct {
		name      string
		operation domain.Operation
		payload   string
		steps     []string
	}{
		{
			name:      "publish with images",
			operation: domain.OperationPublish,
			payload:   `{"title":"Coat","price":10,"images":["https://cdn.test/1","https://cdn.test/2"]}`,
			steps: []string{
				domain.StepValidate, domain.StepMapAttributes, domain.StepUploadImage,
				domain.StepUploadImage, domain.StepCreateListing, domain.StepPersistResult,
			},
		},
		{
			name:      "update",
			operation: domain.OperationUpdate,
			payload:   `{"title":"Coat","price":10,"listing_id":"L-1"}`,
			steps:     []string{domain.StepValidate, domain.StepMapAttributes, domain.StepUpdateListing, domain.StepPersistResult},
		},
		{
			name:      "delete",
			operation: domain.OperationDelete,
			payload:   `{"listing_id":"L-1"}`,
			steps:     []string{domain.StepValidate, domain.StepDeleteListing, domain.StepPersistResult},
		},
		{
			name:      "sync",
			operation: domain.OperationSync,
			payload:   `{}`,
			steps:     []string{domain.StepSyncOrders, domain.StepPersistResult},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewListingHandler("vinted", tt.operation, &recordingStrategy{mode: domain.ModeRemoteAgent})
			job := &domain.Job{TargetID: "p-1", Operation: tt.operation, Payload: json.RawMessage(tt.payload)}

			specs, err := h.CreateTasks(context.Background(), job)
			require.NoError(t, err)
			require.Len(t, specs, len(tt.steps))
			for i, spec := range specs {
				assert.Equal(t, tt.steps[i], spec.StepType)
				assert.Equal(t, i+1, spec.StepOrder)
				assert.NotEmpty(t, spec.IdempotencyMarker)
			}
		})
	}
}

func TestListingHandler_CreateTasksModes(t *testing.T) {
	h := NewListingHandler("vinted", domain.OperationPublish, &recordingStrategy{mode: domain.ModeRemoteAgent})
	specs, err := h.CreateTasks(context.Background(), publishJob())
	require.NoError(t, err)

	assert.Equal(t, domain.ModeLocal, specs[0].Mode)
	assert.Equal(t, domain.ModeRemoteAgent, specs[2].Mode)
	assert.Equal(t, "upload_image:vinted:product-42:1", specs[3].IdempotencyMarker)
	assert.JSONEq(t, `{"image_url":"https://cdn.test/2"}`, string(specs[3].Input))
	assert.Equal(t, domain.ModeLocal, specs[len(specs)-1].Mode)
}

func TestListingHandler_CreateTasksRejectsMalformedPayload(t *testing.T) {
	h := NewListingHandler("vinted", domain.OperationPublish, &recordingStrategy{})
	job := publishJob()
	job.Payload = json.RawMessage(`{not json`)

	_, err := h.CreateTasks(context.Background(), job)
	var taskErr *domain.TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, domain.ErrorClassPermanent, taskErr.Class)
}

func TestListingHandler_ExecutePipeline(t *testing.T) {
	strategy := &recordingStrategy{mode: domain.ModeRemoteAgent}
	h := NewListingHandler("vinted", domain.OperationPublish, strategy)
	job := publishJob()

	specs, err := h.CreateTasks(context.Background(), job)
	require.NoError(t, err)

	ex := &Execution{Scope: tenant.Scope{TenantID: "shop", Schema: "tenant_shop"}, Job: job}
	var last domain.Result
	for i, spec := range specs {
		task := &domain.Task{ID: "task-" + spec.StepType, StepType: spec.StepType, StepOrder: spec.StepOrder, Input: spec.Input, IdempotencyMarker: spec.IdempotencyMarker}
		last, err = h.Execute(context.Background(), ex, task)
		require.NoError(t, err, "step %d %s", i+1, spec.StepType)
		task.Status = domain.StatusCompleted
		task.Result = last.Payload
		ex.Record(*task)
	}

	require.Len(t, strategy.calls, 3)
	create := strategy.calls[2]
	assert.Equal(t, domain.StepCreateListing, create.Step)
	assert.Equal(t, "shop", create.TenantID)
	require.NotNil(t, create.Draft)
	assert.Equal(t, "Wool coat", create.Draft.Title)
	assert.Equal(t, "EUR", create.Draft.Currency)
	assert.Equal(t, []string{"img-1", "img-2"}, create.Draft.ImageIDs)

	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal(last.Payload, &summary))
	assert.Equal(t, "product-42", summary["target_id"])
	assert.EqualValues(t, 2, summary["images"])
}

func TestListingHandler_LaterStepNeedsEarlierResult(t *testing.T) {
	h := NewListingHandler("vinted", domain.OperationPublish, &recordingStrategy{})
	ex := &Execution{Job: publishJob()}

	_, err := h.Execute(context.Background(), ex, &domain.Task{StepType: domain.StepMapAttributes})
	var taskErr *domain.TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, domain.ErrorClassInternal, taskErr.Class)
}

func TestListingHandler_ValidateRejectsBadPayload(t *testing.T) {
	h := NewListingHandler("vinted", domain.OperationPublish, &recordingStrategy{})
	job := publishJob()
	job.Payload = json.RawMessage(`{"title":"","price":0,"images":["ftp://x"]}`)

	_, err := h.Execute(context.Background(), &Execution{Job: job}, &domain.Task{StepType: domain.StepValidate})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.Contains(t, err.Error(), "title is required")
	assert.Contains(t, err.Error(), "price must be positive")
}

func TestListingHandler_AlreadyApplied(t *testing.T) {
	strategy := &recordingStrategy{applied: true}
	h := NewListingHandler("ebay", domain.OperationPublish, strategy)
	ex := &Execution{Job: publishJob()}
	ex.Record(domain.Task{StepType: domain.StepMapAttributes, Status: domain.StatusCompleted, Result: json.RawMessage(`{"title":"Wool coat"}`)})

	result, applied, err := h.AlreadyApplied(context.Background(), ex, &domain.Task{StepType: domain.StepCreateListing})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, result.Skipped)

	_, applied, err = h.AlreadyApplied(context.Background(), ex, &domain.Task{StepType: domain.StepValidate})
	require.NoError(t, err)
	assert.False(t, applied)
}

type fakeClient struct {
	created  []marketplace.Draft
	existing *marketplace.Listing
	err      error
}

func (c *fakeClient) Marketplace() domain.Marketplace { return "ebay" }
func (c *fakeClient) CreateListing(_ context.Context, d marketplace.Draft) (*marketplace.Listing, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.created = append(c.created, d)
	return &marketplace.Listing{ID: "L-1", TargetID: d.TargetID}, nil
}
func (c *fakeClient) UpdateListing(_ context.Context, id string, d marketplace.Draft) (*marketplace.Listing, error) {
	return &marketplace.Listing{ID: id, TargetID: d.TargetID}, nil
}
func (c *fakeClient) DeleteListing(context.Context, string) error { return c.err }
func (c *fakeClient) UploadImage(_ context.Context, _ string, src string) (*marketplace.Image, error) {
	return &marketplace.Image{ID: "img", SourceURL: src}, nil
}
func (c *fakeClient) SyncOrders(context.Context, time.Time) ([]marketplace.Order, error) {
	return []marketplace.Order{{ID: "O-1"}}, nil
}
func (c *fakeClient) FindListing(context.Context, string) (*marketplace.Listing, error) {
	return c.existing, nil
}

func TestDirectStrategy(t *testing.T) {
	client := &fakeClient{}
	s := NewDirectStrategy(client, ratelimit.New(0, 0))

	raw, err := s.Perform(context.Background(), Call{Step: domain.StepCreateListing, TargetID: "p", Draft: &marketplace.Draft{TargetID: "p"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"L-1","target_id":"p"}`, string(raw))
	assert.Len(t, client.created, 1)

	raw, err = s.Perform(context.Background(), Call{Step: domain.StepSyncOrders})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"count":1`)

	_, applied, err := s.AlreadyApplied(context.Background(), Call{Step: domain.StepCreateListing, TargetID: "p"})
	require.NoError(t, err)
	assert.False(t, applied)

	client.existing = &marketplace.Listing{ID: "L-1", TargetID: "p"}
	_, applied, err = s.AlreadyApplied(context.Background(), Call{Step: domain.StepCreateListing, TargetID: "p"})
	require.NoError(t, err)
	assert.True(t, applied)

	client.err = &marketplace.Error{Marketplace: "ebay", Op: "create_listing", StatusCode: 503, Retryable: true}
	_, err = s.Perform(context.Background(), Call{Step: domain.StepCreateListing, Draft: &marketplace.Draft{}})
	var mpErr *marketplace.Error
	require.True(t, errors.As(err, &mpErr))
	assert.True(t, mpErr.Retryable)
}

type fakeDispatcher struct {
	got    agent.Descriptor
	report agent.Report
	err    error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ string, desc agent.Descriptor) (agent.Report, error) {
	d.got = desc
	return d.report, d.err
}

func TestRemoteStrategy(t *testing.T) {
	d := &fakeDispatcher{report: agent.Report{Result: json.RawMessage(`{"id":"V-1"}`)}}
	s := NewRemoteStrategy(d, SiteRequests{BaseURL: "https://www.vinted.test/"}, time.Minute)

	call := Call{
		Step:              domain.StepCreateListing,
		TaskID:            "task-1",
		JobID:             "job-1",
		TenantID:          "shop",
		Draft:             &marketplace.Draft{Title: "Coat"},
		IdempotencyMarker: "create_listing:vinted:p",
	}
	raw, err := s.Perform(context.Background(), call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"V-1"}`, string(raw))

	assert.Equal(t, "task-1", d.got.TaskID)
	assert.Equal(t, agent.KindHTTPRequest, d.got.Kind)
	assert.Equal(t, "POST", d.got.Request.Method)
	assert.Equal(t, "https://www.vinted.test/api/v2/items", d.got.Request.URL)
	assert.Equal(t, "create_listing:vinted:p", d.got.Request.Headers["Idempotency-Key"])
	assert.WithinDuration(t, time.Now().Add(time.Minute), d.got.Deadline, 5*time.Second)

	d.report = agent.Report{Error: "item rejected", ErrorClass: "permanent"}
	_, err = s.Perform(context.Background(), call)
	var taskErr *domain.TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, domain.ErrorClassPermanent, taskErr.Class)

	_, applied, err := s.AlreadyApplied(context.Background(), call)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSiteRequests_Build(t *testing.T) {
	b := SiteRequests{BaseURL: "https://www.vinted.test"}

	req, err := b.Build(Call{Step: domain.StepDeleteListing, ListingID: "a/b"})
	require.NoError(t, err)
	assert.Equal(t, "DELETE", req.Method)
	assert.Equal(t, "https://www.vinted.test/api/v2/items/a%2Fb", req.URL)
	assert.Empty(t, req.Body)

	_, err = b.Build(Call{Step: domain.StepValidate})
	assert.Error(t, err)
}
