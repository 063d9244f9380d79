package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// Ledger is the part of the credit ledger the job lifecycle needs
type Ledger interface {
	Reserve(ctx context.Context, tenantID, toolSlug, jobID string, estimatedCost int64) (*domain.Reservation, error)
	Finalize(ctx context.Context, reservationID string, actualCost int64) (*domain.Reservation, error)
	Release(ctx context.Context, reservationID, reason string) (*domain.Reservation, error)
}

// Settler closes the reservation of a job once the job is terminal
type Settler struct {
	ledger Ledger
	logger *slog.Logger
}

// NewSettler creates a new Settler
func NewSettler(ledger Ledger, logger *slog.Logger) *Settler {
	return &Settler{ledger: ledger, logger: logger}
}

// Settle finalizes a completed job at its actual cost and releases the reservation of a
// failed or cancelled one. Settling twice is a no-op.
func (s *Settler) Settle(ctx context.Context, job *domain.ToolJob) error {
	if job.ReservationID == nil || !job.Status.IsTerminal() {
		return nil
	}

	var err error
	switch job.Status {
	case domain.JobStatusCompleted:
		cost := job.EstimatedCost
		if job.ActualCost != nil {
			cost = *job.ActualCost
		}
		_, err = s.ledger.Finalize(ctx, *job.ReservationID, cost)
	case domain.JobStatusFailed:
		_, err = s.ledger.Release(ctx, *job.ReservationID, "job "+job.ID+" failed")
	case domain.JobStatusCancelled:
		_, err = s.ledger.Release(ctx, *job.ReservationID, "job "+job.ID+" cancelled")
	}

	if errors.Is(err, domain.ErrReservationSettled) {
		return nil
	}
	if err != nil {
		s.logger.Error("Failed to settle reservation",
			slog.String("job_id", job.ID),
			slog.String("reservation_id", *job.ReservationID),
			slog.String("status", string(job.Status)),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to settle reservation of job %s: %w", job.ID, err)
	}
	return nil
}
