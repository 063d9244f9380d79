package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/processor"
)

// finishTimeout bounds the store and ledger writes that record an attempt's outcome.
// They run detached from the worker context so a shutdown does not strand a finished job.
const finishTimeout = 10 * time.Second

// processJob runs one claimed job with timeout and heartbeat, then records the outcome
func (w *Worker) processJob(ctx context.Context, workerName string, job *domain.ToolJob) {
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("tool_slug", job.ToolSlug),
		slog.String("worker_name", workerName),
	)

	result, err := w.run(ctx, logger, workerName, job)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	// the worker itself is stopping: the attempt never got a fair run
	if err != nil && ctx.Err() != nil && !domain.IsPermanent(err) {
		w.requeue(finishCtx, logger, workerName, job, err)
		return
	}
	w.finish(finishCtx, logger, workerName, job, result, err)
}

// requeue returns a job interrupted by shutdown to PENDING without spending its attempt
func (w *Worker) requeue(ctx context.Context, logger *slog.Logger, workerName string, job *domain.ToolJob, cause error) {
	if _, err := w.store.Requeue(ctx, job.ID, workerName, w.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			logger.Warn("Job no longer owned by this worker, dropping requeue", slog.Any("error", cause))
			return
		}
		logger.Error("Failed to requeue interrupted job", slog.Any("error", err))
		return
	}
	logger.Info("Job interrupted by shutdown, returned to queue", slog.Any("error", cause))
}

func (w *Worker) run(ctx context.Context, logger *slog.Logger, workerName string, job *domain.ToolJob) (*processor.Result, error) {
	p, err := w.registry.Lookup(job.ToolSlug)
	if err != nil {
		return nil, domain.Permanent(err)
	}

	timeout := w.jobTimeout(job)
	deadline := w.now().Add(timeout)
	if job.ExpiresAt.Before(deadline) {
		deadline = job.ExpiresAt
	}
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		w.sendJobHeartbeat(jobCtx, logger, job.ID, workerName, heartbeatDone)
	}()

	result, err := execute(jobCtx, p, job)
	close(heartbeatDone)
	<-heartbeatStopped

	if err == nil && result == nil {
		return nil, domain.Permanent(errors.New("processor returned no result"))
	}
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return nil, domain.Transient(fmt.Errorf("attempt timed out after %s: %w", timeout, err))
	}
	return result, err
}

func (w *Worker) jobTimeout(job *domain.ToolJob) time.Duration {
	if tool, err := w.catalog.Get(job.ToolSlug); err == nil && tool.Timeout > 0 {
		return tool.Timeout
	}
	return time.Minute
}

// execute shields the worker goroutine from a panicking processor
func execute(ctx context.Context, p processor.Processor, job *domain.ToolJob) (result *processor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, domain.Permanent(fmt.Errorf("processor panicked: %v", r))
		}
	}()
	return p.Process(ctx, job)
}

// finish moves the job out of PROCESSING and settles its reservation when it became terminal
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, workerName string, job *domain.ToolJob, result *processor.Result, procErr error) {
	now := w.now().UTC()

	if procErr == nil {
		done, err := w.store.Complete(ctx, job.ID, workerName, domain.Payload(result.Output), result.ActualCost, now)
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			w.keepLateOutput(ctx, logger, job.ID, domain.Payload(result.Output))
			return
		}
		if err != nil {
			logger.Error("Failed to update job status to COMPLETED", slog.Any("error", err))
			return
		}
		logger.Info("Job completed successfully",
			slog.Int64("estimated_cost", job.EstimatedCost),
			slog.Int64("actual_cost", result.ActualCost),
		)
		w.settle(ctx, done)
		return
	}

	permanent := domain.IsPermanent(procErr)
	if permanent || job.Attempts >= job.MaxAttempts {
		failed, err := w.store.Fail(ctx, job.ID, workerName, procErr.Error(), now)
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			logger.Warn("Job no longer owned by this worker, dropping failure", slog.Any("error", procErr))
			return
		}
		if err != nil {
			logger.Error("Failed to update job status to FAILED", slog.Any("error", err))
			return
		}
		logger.Warn("Job failed",
			slog.Any("error", procErr),
			slog.Bool("permanent", permanent),
			slog.Int("attempts", job.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
		)
		w.settle(ctx, failed)
		return
	}

	delay := w.backoff.Delay(job.Attempts)
	if _, err := w.store.Retry(ctx, job.ID, workerName, procErr.Error(), now.Add(delay), now); err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			logger.Warn("Job no longer owned by this worker, dropping retry", slog.Any("error", procErr))
			return
		}
		logger.Error("Failed to schedule job retry", slog.Any("error", err))
		return
	}
	logger.Info("Job will be retried",
		slog.Any("error", procErr),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("retry_after", delay),
	)
}

// keepLateOutput stores the result of a job cancelled mid-flight. It is never billed.
func (w *Worker) keepLateOutput(ctx context.Context, logger *slog.Logger, jobID string, output domain.Payload) {
	current, err := w.store.Get(ctx, jobID)
	if err != nil {
		logger.Error("Failed to load job after losing ownership", slog.Any("error", err))
		return
	}
	if current.Status != domain.JobStatusCancelled {
		logger.Warn("Job was reclaimed before completion, discarding result",
			slog.String("status", string(current.Status)),
		)
		return
	}
	if err := w.store.RecordLateOutput(ctx, jobID, output, w.now().UTC()); err != nil {
		logger.Error("Failed to record late output", slog.Any("error", err))
		return
	}
	logger.Info("Recorded late output of cancelled job")
}

// settle leaves failures to the sweeper's repair pass; the Settler already logged them
func (w *Worker) settle(ctx context.Context, job *domain.ToolJob) {
	_ = w.settler.Settle(ctx, job)
}

// sendJobHeartbeat periodically refreshes the job's heartbeat so the sweeper leaves it alone
func (w *Worker) sendJobHeartbeat(ctx context.Context, logger *slog.Logger, jobID, workerName string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.Heartbeat(ctx, jobID, workerName, w.now().UTC())
			if errors.Is(err, domain.ErrJobAlreadyClaimed) {
				logger.Warn("Lost ownership of job, stopping heartbeat")
				return
			}
			if err != nil {
				logger.Warn("Failed to update job heartbeat", slog.Any("error", err))
				continue
			}
			logger.Debug("Job heartbeat updated")
		}
	}
}
