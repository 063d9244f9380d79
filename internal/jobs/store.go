package jobs

import (
	"context"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// Cursor marks a position in the newest-first job listing
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListFilter selects jobs visible to one owner
type ListFilter struct {
	OwnerID  string
	ToolSlug string
	Status   domain.JobStatus
	PageSize int
	Cursor   *Cursor
}

// Store persists ToolJobs. Every state change is a conditional update on the current
// status, so a method either performs the transition or returns an error without effect.
type Store interface {
	Create(ctx context.Context, job *domain.ToolJob) error
	Get(ctx context.Context, jobID string) (*domain.ToolJob, error)
	// List returns up to PageSize+1 jobs, newest first
	List(ctx context.Context, filter ListFilter) ([]domain.ToolJob, error)

	// ClaimNext moves the highest-priority, oldest eligible PENDING job to PROCESSING for
	// workerID and counts the attempt. Returns domain.ErrNoClaimableJob when none is eligible.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.ToolJob, error)
	// Heartbeat returns domain.ErrJobAlreadyClaimed when workerID no longer owns the job
	Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error

	// Complete, Retry and Fail apply only to a PROCESSING job owned by workerID and
	// return domain.ErrJobAlreadyClaimed otherwise
	Complete(ctx context.Context, jobID, workerID string, output domain.Payload, actualCost int64, now time.Time) (*domain.ToolJob, error)
	Retry(ctx context.Context, jobID, workerID, errMsg string, processAfter, now time.Time) (*domain.ToolJob, error)
	Fail(ctx context.Context, jobID, workerID, errMsg string, now time.Time) (*domain.ToolJob, error)
	// Requeue hands a job interrupted by worker shutdown back to PENDING and gives the
	// attempt back; same ownership rules as Retry
	Requeue(ctx context.Context, jobID, workerID string, now time.Time) (*domain.ToolJob, error)

	// Cancel moves a PENDING or PROCESSING job to CANCELLED; domain.ErrInvalidTransition otherwise
	Cancel(ctx context.Context, jobID string, now time.Time) (*domain.ToolJob, error)
	// RecordLateOutput stores the result of a job that was cancelled while running
	RecordLateOutput(ctx context.Context, jobID string, output domain.Payload, now time.Time) error

	// Expire fails PENDING or PROCESSING jobs whose expiresAt has passed
	Expire(ctx context.Context, now time.Time, limit int) ([]domain.ToolJob, error)
	// RecoverStale returns PROCESSING jobs whose heartbeat is older than staleBefore to
	// PENDING, or fails them when their attempt budget is spent
	RecoverStale(ctx context.Context, staleBefore, now time.Time, limit int) ([]domain.ToolJob, error)
}

const (
	timeoutError      = "job expired before completion"
	attemptsExhausted = "worker stopped responding and no attempts remain"
)
