package worker

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/events"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_ExpiresStaleJobs(t *testing.T) {
	f := newFixture(t, newStubHandler("a"))
	batch, jobs := f.submit(t, "p1", "p2")
	ctx := context.Background()

	// Both workers die right after claiming; the deadline is still an hour away
	for _, job := range jobs {
		_, err := f.store.ClaimJob(ctx, f.sc, job.ID, storage.Claim{WorkerID: "gone", Deadline: time.Now().Add(time.Hour)})
		require.NoError(t, err)
	}

	later := time.Now().UTC().Add(10 * time.Minute)

	recorder := &events.Recorder{}
	sweeper := NewSweeper(&SweeperConfig{
		Logger:            slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Store:             f.store,
		Events:            recorder,
		StaleAfter:        15 * time.Minute,
		DefaultMaxRetries: 3,
		Now:               func() time.Time { return later },
	})

	res, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	later = later.Add(10 * time.Minute)
	res, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)

	got := f.job(t, jobs[0].ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ErrorClassExpired, got.LastErrorClass)
	assert.Equal(t, "worker heartbeat lost", got.LastError)
	assert.Equal(t, []events.Type{events.JobExpired, events.JobExpired}, recorder.Types())

	b, err := f.store.GetBatch(ctx, f.sc, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusFailedPartial, b.Status)
	assert.Equal(t, 2, b.FailedCount)
}

func TestSweeper_PurgesTerminalWork(t *testing.T) {
	f := newFixture(t, newStubHandler("a"))
	_, jobs := f.submit(t, "p1")
	ctx := context.Background()

	require.True(t, f.worker.runOnce(ctx, "worker-test-0"))
	require.Equal(t, domain.StatusCompleted, f.job(t, jobs[0].ID).Status)

	pending := &domain.Job{Marketplace: testMarketplace, Operation: domain.OperationPublish, TargetID: "p9"}
	require.NoError(t, f.store.CreateJob(ctx, f.sc, pending))

	sweeper := NewSweeper(&SweeperConfig{
		Logger:            slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Store:             f.store,
		Retention:         24 * time.Hour,
		DefaultMaxRetries: 3,
		Now:               func() time.Time { return time.Now().UTC().Add(48 * time.Hour) },
	})

	res, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Purged)

	_, err = f.store.GetJob(ctx, f.sc, jobs[0].ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = f.store.GetJob(ctx, f.sc, pending.ID)
	assert.NoError(t, err)
}
