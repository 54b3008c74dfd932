package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/events"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/shared/metrics"
)

// SweeperConfig holds expiry sweep and retention settings
type SweeperConfig struct {
	Logger   *slog.Logger
	Store    storage.Store
	Events   events.Sink
	Interval time.Duration
	// StaleAfter is how long a RUNNING job may go without a heartbeat
	StaleAfter time.Duration
	// Retention is how long terminal work is kept; zero keeps it forever
	Retention         time.Duration
	DefaultMaxRetries int
	Now               func() time.Time
}

// Sweeper force-fails RUNNING jobs left behind by crashed workers and purges
// old terminal work. It runs independently of the dispatcher loops.
type Sweeper struct {
	logger            *slog.Logger
	store             storage.Store
	events            events.Sink
	interval          time.Duration
	staleAfter        time.Duration
	retention         time.Duration
	defaultMaxRetries int
	now               func() time.Time
}

// SweepResult counts what one sweep changed
type SweepResult struct {
	Expired int
	Purged  int64
}

// NewSweeper creates a Sweeper
func NewSweeper(cfg *SweeperConfig) *Sweeper {
	s := &Sweeper{
		logger:            cfg.Logger,
		store:             cfg.Store,
		events:            cfg.Events,
		interval:          cfg.Interval,
		staleAfter:        cfg.StaleAfter,
		retention:         cfg.Retention,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		now:               cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Run sweeps on every tick until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Expiry sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("stale_after", s.staleAfter),
		slog.Duration("retention", s.retention),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce runs expiry and retention for every tenant
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return result, err
	}

	now := s.now()
	var staleBefore time.Time
	if s.staleAfter > 0 {
		staleBefore = now.Add(-s.staleAfter)
	}

	for _, t := range tenants {
		sc := t.Scope(s.defaultMaxRetries)
		logger := s.logger.With(slog.String("tenant_id", t.ID))

		expired, err := s.store.ExpireJobs(ctx, sc, now, staleBefore)
		if err != nil {
			logger.Error("Failed to expire jobs", slog.String("error", err.Error()))
			continue
		}
		batches := make(map[string]struct{})
		for i := range expired {
			job := &expired[i]
			logger.Warn("Job expired",
				slog.String("job_id", job.ID),
				slog.String("error", job.LastError),
			)
			s.emit(ctx, job)
			if job.BatchID != nil {
				batches[*job.BatchID] = struct{}{}
			}
		}
		for batchID := range batches {
			if _, err := s.store.RecomputeBatchStatus(ctx, sc, batchID); err != nil {
				logger.Error("Failed to recompute batch status",
					slog.String("batch_id", batchID),
					slog.String("error", err.Error()),
				)
			}
		}
		if len(expired) > 0 {
			metrics.JobsExpired.WithLabelValues(t.ID).Add(float64(len(expired)))
		}
		result.Expired += len(expired)

		if s.retention <= 0 {
			continue
		}
		purged, err := s.store.PurgeTerminal(ctx, sc, now.Add(-s.retention))
		if err != nil {
			logger.Error("Failed to purge terminal jobs", slog.String("error", err.Error()))
			continue
		}
		if purged > 0 {
			metrics.JobsPurged.WithLabelValues(t.ID).Add(float64(purged))
			logger.Info("Purged terminal jobs", slog.Int64("count", purged))
		}
		result.Purged += purged
	}
	return result, nil
}

func (s *Sweeper) emit(ctx context.Context, job *domain.Job) {
	e := events.Event{
		Type:       events.JobExpired,
		TenantID:   job.TenantID,
		JobID:      job.ID,
		Status:     string(job.Status),
		ErrorClass: string(job.LastErrorClass),
		Message:    job.LastError,
		Time:       s.now(),
	}
	if job.BatchID != nil {
		e.BatchID = *job.BatchID
	}
	s.events.Emit(ctx, e)
}
