// Package worker is the dispatcher: a pool of independent loops that claim
// runnable jobs, run their task pipelines and cascade status to the batch.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/events"
	"github.com/cuongbtq/listing-orchestrator/internal/handler"
	"github.com/cuongbtq/listing-orchestrator/internal/retry"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Store    storage.Store
	Registry *handler.Registry
	Engine   *retry.Engine
	Events   events.Sink
	// RabbitClient delivers wake-up notifications; nil disables the consumer
	RabbitClient      *rabbitmq.Client
	WorkerID          string
	Concurrency       int
	PrefetchCount     int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	// DefaultMaxRetries applies to tenants without their own limit
	DefaultMaxRetries int
}

// Worker represents the dispatcher pool of one process
type Worker struct {
	logger            *slog.Logger
	store             storage.Store
	registry          *handler.Registry
	engine            *retry.Engine
	events            events.Sink
	rabbitClient      *rabbitmq.Client
	workerID          string
	concurrency       int
	prefetchCount     int
	pollInterval      time.Duration
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	defaultMaxRetries int

	wake     chan struct{}
	rotation atomic.Uint64
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		registry:          cfg.Registry,
		engine:            cfg.Engine,
		events:            cfg.Events,
		rabbitClient:      cfg.RabbitClient,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		pollInterval:      cfg.PollInterval,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		stopChan:          make(chan struct{}),
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 10 * time.Minute
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}
	if w.engine == nil {
		w.engine = retry.NewEngine(nil)
	}
	if w.events == nil {
		w.events = events.Discard{}
	}
	w.wake = make(chan struct{}, w.concurrency)
	return w
}

// Start spawns the pool and blocks until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	w.spawnWorkerPool(ctx)

	if w.rabbitClient != nil {
		deliveries, err := w.setupConsumer(ctx)
		if err != nil {
			// polling still finds every job
			w.logger.Warn("Wake-up consumer unavailable, relying on polling",
				slog.String("error", err.Error()),
			)
		} else {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.startMessageDispatcher(ctx, deliveries)
			}()
		}
	}

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Notify wakes one idle worker loop without waiting for the poll interval
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
