package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/events"
	"github.com/cuongbtq/listing-orchestrator/internal/handler"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/internal/storage/memory"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	calls [][]string
	err   error
}

func (n *fakeNotifier) NotifyRunnable(_ context.Context, _ string, jobIDs []string) error {
	n.calls = append(n.calls, jobIDs)
	return n.err
}

type fixture struct {
	store    *memory.Store
	notifier *fakeNotifier
	recorder *events.Recorder
	svc      *Service
}

func newFixture() *fixture {
	store := memory.New()
	store.AddTenant(tenant.Tenant{ID: "shop", MaxRetries: 2})
	f := &fixture{store: store, notifier: &fakeNotifier{}, recorder: &events.Recorder{}}
	f.svc = NewService(Config{
		Logger:   slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Store:    store,
		Catalog:  handler.ListingCatalog{"vinted", "ebay"},
		Notifier: f.notifier,
		Events:   f.recorder,
	})
	return f
}

func publish(target string) OperationRequest {
	return OperationRequest{
		Marketplace: "vinted",
		Operation:   domain.OperationPublish,
		TargetID:    target,
		Payload:     json.RawMessage(`{"title":"Jacket","price":25}`),
	}
}

// failWith claims the job and fails it with the given class
func (f *fixture) failWith(t *testing.T, jobID string, class domain.ErrorClass) {
	t.Helper()
	ctx := context.Background()
	sc, err := f.svc.Scope(ctx, "shop")
	require.NoError(t, err)
	_, err = f.store.ClaimJob(ctx, sc, jobID, storage.Claim{WorkerID: "w", Deadline: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = f.store.FailJob(ctx, sc, jobID, class, "boom")
	require.NoError(t, err)
}

func TestService_SubmitBatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	batch, jobs, err := f.svc.SubmitBatch(ctx, "shop", []OperationRequest{publish("p-1"), publish("p-2")})
	require.NoError(t, err)

	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, 2, batch.TotalCount)
	assert.Equal(t, domain.BatchStatusRunning, batch.Status)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, domain.StatusPending, j.Status)
		assert.Equal(t, 2, j.MaxRetries)
		require.NotNil(t, j.BatchID)
		assert.Equal(t, batch.ID, *j.BatchID)
	}

	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, []string{jobs[0].ID, jobs[1].ID}, f.notifier.calls[0])
	assert.Equal(t, []events.Type{events.BatchSubmitted}, f.recorder.Types())

	got, err := f.svc.GetBatch(ctx, "shop", batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCount)
}

func TestService_SubmitBatchValidation(t *testing.T) {
	tests := []struct {
		name    string
		tenant  string
		ops     []OperationRequest
		wantErr error
		wantMsg string
	}{
		{
			name:    "missing tenant",
			ops:     []OperationRequest{publish("p-1")},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unknown tenant",
			tenant:  "nobody",
			ops:     []OperationRequest{publish("p-1")},
			wantErr: domain.ErrTenantNotFound,
		},
		{
			name:    "empty batch",
			tenant:  "shop",
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unknown operation",
			tenant:  "shop",
			ops:     []OperationRequest{{Marketplace: "vinted", Operation: "relist", TargetID: "p-1"}},
			wantErr: ErrInvalidRequest,
			wantMsg: `unknown operation "relist"`,
		},
		{
			name:    "unsupported marketplace",
			tenant:  "shop",
			ops:     []OperationRequest{{Marketplace: "etsy", Operation: domain.OperationSync, TargetID: "orders"}},
			wantErr: ErrInvalidRequest,
			wantMsg: "etsy sync is not supported",
		},
		{
			name:    "missing target",
			tenant:  "shop",
			ops:     []OperationRequest{{Marketplace: "vinted", Operation: domain.OperationSync, TargetID: "  "}},
			wantErr: ErrInvalidRequest,
			wantMsg: "target_id is required",
		},
		{
			name:   "bad payload",
			tenant: "shop",
			ops: []OperationRequest{{
				Marketplace: "ebay",
				Operation:   domain.OperationDelete,
				TargetID:    "p-1",
				Payload:     json.RawMessage(`{}`),
			}},
			wantErr: ErrInvalidRequest,
			wantMsg: "operations[0]: listing_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, _, err := f.svc.SubmitBatch(context.Background(), tt.tenant, tt.ops)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
			assert.Empty(t, f.notifier.calls)
		})
	}
}

func TestService_SubmitBatchRejectsDuplicates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, _, err := f.svc.SubmitBatch(ctx, "shop", []OperationRequest{publish("p-1"), publish("p-1")})
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)

	jobs, err := f.svc.ListJobs(ctx, "shop", storage.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestService_SubmitBatchSurvivesNotifierFailure(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("broker down")

	_, jobs, err := f.svc.SubmitBatch(context.Background(), "shop", []OperationRequest{publish("p-1")})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestService_RetryJob(t *testing.T) {
	tests := []struct {
		name    string
		class   domain.ErrorClass
		wantErr error
	}{
		{"agent timeout", domain.ErrorClassAgentTimeout, nil},
		{"expired", domain.ErrorClassExpired, nil},
		{"permanent", domain.ErrorClassPermanent, domain.ErrJobNotRetryable},
		{"internal", domain.ErrorClassInternal, domain.ErrJobNotRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			_, jobs, err := f.svc.SubmitBatch(ctx, "shop", []OperationRequest{publish("p-1")})
			require.NoError(t, err)
			f.failWith(t, jobs[0].ID, tt.class)

			status, err := f.svc.GetJobStatus(ctx, "shop", jobs[0].ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantErr == nil, status.Retryable)

			job, err := f.svc.RetryJob(ctx, "shop", jobs[0].ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Len(t, f.notifier.calls, 1)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPending, job.Status)
			assert.Equal(t, 1, job.RetryCount)
			assert.Len(t, f.notifier.calls, 2)
			assert.Contains(t, f.recorder.Types(), events.JobRetried)
		})
	}
}

func TestService_RetryJobLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, jobs, err := f.svc.SubmitBatch(ctx, "shop", []OperationRequest{publish("p-1")})
	require.NoError(t, err)
	id := jobs[0].ID

	for i := 0; i < 2; i++ {
		f.failWith(t, id, domain.ErrorClassAgentTimeout)
		_, err = f.svc.RetryJob(ctx, "shop", id)
		require.NoError(t, err)
	}

	f.failWith(t, id, domain.ErrorClassAgentTimeout)
	_, err = f.svc.RetryJob(ctx, "shop", id)
	assert.ErrorIs(t, err, domain.ErrRetryLimitReached)
}

func TestService_CancelJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	batch, jobs, err := f.svc.SubmitBatch(ctx, "shop", []OperationRequest{publish("p-1"), publish("p-2")})
	require.NoError(t, err)

	job, err := f.svc.CancelJob(ctx, "shop", jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, job.Status)
	assert.Contains(t, f.recorder.Types(), events.JobCancelled)

	_, err = f.svc.CancelJob(ctx, "shop", jobs[0].ID)
	assert.ErrorIs(t, err, domain.ErrJobTerminal)

	_, err = f.svc.CancelJob(ctx, "shop", "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	got, err := f.svc.GetBatch(ctx, "shop", batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CancelledCount)
	assert.Equal(t, domain.BatchStatusRunning, got.Status)
}

func TestService_ListJobs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _, err := f.svc.SubmitBatch(ctx, "shop", []OperationRequest{
		publish("p-1"),
		{Marketplace: "ebay", Operation: domain.OperationSync, TargetID: "orders"},
	})
	require.NoError(t, err)

	jobs, err := f.svc.ListJobs(ctx, "shop", storage.JobFilter{Marketplace: "ebay"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.OperationSync, jobs[0].Operation)

	_, err = f.svc.ListJobs(ctx, "shop", storage.JobFilter{Status: "DONE"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
