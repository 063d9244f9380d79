package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
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
}

// workerLoop drains claimable jobs, then sleeps until woken by a notice or the poll ticker
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		for w.processNext(ctx, workerName) {
		}

		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed", slog.String("worker_name", workerName))
			return
		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled", slog.String("worker_name", workerName))
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// processNext claims and processes at most one job. It reports whether a job was claimed.
func (w *Worker) processNext(ctx context.Context, workerName string) bool {
	select {
	case <-w.stopChan:
		return false
	default:
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return false
	}

	job, err := w.store.ClaimNext(ctx, workerName, w.now().UTC())
	if errors.Is(err, domain.ErrNoClaimableJob) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
		}
		return false
	}

	w.logger.Info("Worker claimed job",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.String("tool_slug", job.ToolSlug),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	w.processJob(ctx, workerName, job)
	return true
}
