package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/jobs"
	"github.com/cuongbtq/toolmeter/internal/ratelimit"
)

// SweeperConfig holds sweeper configuration
type SweeperConfig struct {
	Interval time.Duration
	// StaleAfter is how long a PROCESSING job may go without a heartbeat
	StaleAfter time.Duration
	// SettleAfter is how old a HELD reservation must be before it is repaired
	SettleAfter time.Duration
	// RateLimitRetention keeps ended rate-limit windows this long before purging them
	RateLimitRetention time.Duration
	BatchSize          int
}

// ReservationLedger is the part of the credit ledger the sweeper repairs
type ReservationLedger interface {
	HeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Reservation, error)
	Release(ctx context.Context, reservationID, reason string) (*domain.Reservation, error)
}

// Locker elects one sweeper among several worker processes. ok is false when another
// process holds the lock.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// SweeperDependencies are the collaborators a Sweeper drives
type SweeperDependencies struct {
	Store   jobs.Store
	Ledger  ReservationLedger
	Settler *jobs.Settler
	// Purger and Locker are optional
	Purger ratelimit.Purger
	Locker Locker
	Logger *slog.Logger
}

// Sweeper runs the periodic housekeeping that keeps jobs and reservations consistent
// when workers crash or jobs outlive their time to live
type Sweeper struct {
	cfg     SweeperConfig
	store   jobs.Store
	ledger  ReservationLedger
	settler *jobs.Settler
	purger  ratelimit.Purger
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time
}

// SweepReport counts what one pass changed
type SweepReport struct {
	Expired   int   `json:"expired"`
	Requeued  int   `json:"requeued"`
	Abandoned int   `json:"abandoned"`
	Repaired  int   `json:"repaired"`
	Purged    int64 `json:"purged"`
	Skipped   bool  `json:"skipped"`
}

// NewSweeper creates a new Sweeper
func NewSweeper(cfg SweeperConfig, deps SweeperDependencies) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.SettleAfter <= 0 {
		cfg.SettleAfter = 10 * time.Minute
	}
	if cfg.RateLimitRetention <= 0 {
		cfg.RateLimitRetention = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		cfg:     cfg,
		store:   deps.Store,
		ledger:  deps.Ledger,
		settler: deps.Settler,
		purger:  deps.Purger,
		locker:  deps.Locker,
		logger:  deps.Logger,
		now:     time.Now,
	}
}

// Run sweeps on every interval until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting sweeper",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("stale_after", s.cfg.StaleAfter),
		slog.Duration("settle_after", s.cfg.SettleAfter),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass. Every step runs even when an earlier one fails.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sweeper lock: %w", err)
		}
		if !ok {
			report.Skipped = true
			return report, nil
		}
		defer release()
	}

	now := s.now().UTC()
	errs := []error{
		s.expire(ctx, now, report),
		s.recoverStale(ctx, now, report),
		s.repair(ctx, now, report),
		s.purge(ctx, now, report),
	}

	if report.Expired+report.Requeued+report.Abandoned+report.Repaired > 0 || report.Purged > 0 {
		s.logger.Info("Sweep completed",
			slog.Int("expired", report.Expired),
			slog.Int("requeued", report.Requeued),
			slog.Int("abandoned", report.Abandoned),
			slog.Int("repaired", report.Repaired),
			slog.Int64("purged", report.Purged),
		)
	}
	return report, errors.Join(errs...)
}

func (s *Sweeper) expire(ctx context.Context, now time.Time, report *SweepReport) error {
	expired, err := s.store.Expire(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to expire jobs: %w", err)
	}
	for i := range expired {
		report.Expired++
		s.logger.Warn("Job expired",
			slog.String("job_id", expired[i].ID),
			slog.String("tool_slug", expired[i].ToolSlug),
		)
		_ = s.settler.Settle(ctx, &expired[i])
	}
	return nil
}

func (s *Sweeper) recoverStale(ctx context.Context, now time.Time, report *SweepReport) error {
	stale, err := s.store.RecoverStale(ctx, now.Add(-s.cfg.StaleAfter), now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	for i := range stale {
		job := &stale[i]
		if job.Status == domain.JobStatusPending {
			report.Requeued++
			s.logger.Warn("Requeued job with stale heartbeat", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
			continue
		}
		report.Abandoned++
		s.logger.Warn("Failed job with stale heartbeat and no attempts left", slog.String("job_id", job.ID))
		_ = s.settler.Settle(ctx, job)
	}
	return nil
}

// repair settles reservations left HELD by a crash between a job transition and its
// ledger settlement, and releases reservations whose job was never created
func (s *Sweeper) repair(ctx context.Context, now time.Time, report *SweepReport) error {
	held, err := s.ledger.HeldReservations(ctx, now.Add(-s.cfg.SettleAfter), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list held reservations: %w", err)
	}

	var errs []error
	for _, r := range held {
		logger := s.logger.With(slog.String("reservation_id", r.ID), slog.String("job_id", r.JobID))

		job, err := s.store.Get(ctx, r.JobID)
		if errors.Is(err, domain.ErrJobNotFound) {
			_, err = s.ledger.Release(ctx, r.ID, "job "+r.JobID+" was never created")
			if err != nil && !errors.Is(err, domain.ErrReservationSettled) {
				errs = append(errs, fmt.Errorf("failed to release orphaned reservation %s: %w", r.ID, err))
				continue
			}
			report.Repaired++
			logger.Warn("Released reservation without job")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load job %s: %w", r.JobID, err))
			continue
		}
		if !job.Status.IsTerminal() {
			continue
		}
		if err := s.settler.Settle(ctx, job); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Repaired++
		logger.Warn("Settled reservation of terminal job", slog.String("status", string(job.Status)))
	}
	return errors.Join(errs...)
}

func (s *Sweeper) purge(ctx context.Context, now time.Time, report *SweepReport) error {
	if s.purger == nil {
		return nil
	}
	n, err := s.purger.Purge(ctx, now.Add(-s.cfg.RateLimitRetention))
	if err != nil {
		return fmt.Errorf("failed to purge rate limit windows: %w", err)
	}
	report.Purged = n
	return nil
}
