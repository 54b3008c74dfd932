package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
		slog.Int("worker_num", workerNum),
	)

	idle := time.NewTimer(0)
	defer idle.Stop()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case <-w.wake:
		case <-idle.C:
		}

		// Drain the pipeline before sleeping again
		for w.runOnce(ctx, workerName) {
			select {
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(w.pollInterval)
	}
}

// runOnce claims and processes at most one job; it reports whether a job was found
func (w *Worker) runOnce(ctx context.Context, workerName string) bool {
	sc, job, err := w.claimNext(ctx, workerName)
	if err != nil {
		w.logger.Error("Failed to claim job",
			slog.String("worker_name", workerName),
			slog.String("error", err.Error()),
		)
		return false
	}
	if job == nil {
		return false
	}

	w.processJob(ctx, sc, job, workerName)
	return true
}

// claimNext walks the tenants, starting at a rotating offset so no tenant
// starves the others, and claims the first runnable job it finds
func (w *Worker) claimNext(ctx context.Context, workerName string) (tenant.Scope, *domain.Job, error) {
	tenants, err := w.store.ListTenants(ctx)
	if err != nil {
		return tenant.Scope{}, nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	if len(tenants) == 0 {
		return tenant.Scope{}, nil, nil
	}

	offset := int(w.rotation.Add(1) % uint64(len(tenants)))
	for i := range tenants {
		t := tenants[(offset+i)%len(tenants)]
		sc := t.Scope(w.defaultMaxRetries)

		job, err := w.store.ClaimNextRunnableJob(ctx, sc, storage.Claim{
			WorkerID: workerName,
			Deadline: time.Now().Add(w.jobTimeout),
		})
		if err != nil {
			w.logger.Error("Failed to claim job for tenant",
				slog.String("worker_name", workerName),
				slog.String("tenant_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if job != nil {
			return sc, job, nil
		}
	}
	return tenant.Scope{}, nil, nil
}
