package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/processor"
	"github.com/google/uuid"
)

// RateLimiter checks the caller's request ceiling for a tool
type RateLimiter interface {
	CheckActor(ctx context.Context, actor domain.Actor, toolSlug string) error
}

// Notifier tells idle workers that a job can be claimed
type Notifier interface {
	NotifyJobAvailable(ctx context.Context, notice domain.JobNotice) error
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service is the submission and owner-facing side of the job lifecycle
type Service struct {
	store    Store
	ledger   Ledger
	settler  *Settler
	limiter  RateLimiter
	registry *processor.Registry
	catalog  processor.Catalog
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Dependencies groups what the Service is built from
type Dependencies struct {
	Store    Store
	Ledger   Ledger
	Limiter  RateLimiter
	Registry *processor.Registry
	Catalog  processor.Catalog
	// Notifier is optional; without it workers find jobs by polling
	Notifier Notifier
	Logger   *slog.Logger
}

// NewService creates a new Service
func NewService(deps Dependencies) *Service {
	return &Service{
		store:    deps.Store,
		ledger:   deps.Ledger,
		settler:  NewSettler(deps.Ledger, deps.Logger),
		limiter:  deps.Limiter,
		registry: deps.Registry,
		catalog:  deps.Catalog,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// SubmitOptions are optional submission settings
type SubmitOptions struct {
	// Priority overrides the tool's default priority
	Priority *int
}

// Submit rate-limits, validates and prices a request, reserves its credits and creates
// a PENDING job. No job exists when any of those steps fails.
func (s *Service) Submit(ctx context.Context, toolSlug string, input []byte, actor domain.Actor, opts SubmitOptions) (*domain.ToolJob, error) {
	tool, err := s.catalog.Get(toolSlug)
	if err != nil {
		return nil, err
	}

	if actor.IsAuthenticated() {
		if actor.TenantID == "" {
			return nil, domain.NewValidationError("tenant_id", "is required for authenticated callers")
		}
	} else {
		if !tool.Anonymous {
			return nil, domain.ErrAuthenticationRequired
		}
		if actor.SessionID == "" {
			return nil, domain.NewValidationError("session_id", "is required for anonymous callers")
		}
	}

	if err := s.limiter.CheckActor(ctx, actor, toolSlug); err != nil {
		return nil, err
	}

	p, err := s.registry.Lookup(toolSlug)
	if err != nil {
		return nil, err
	}
	estimate, err := p.Estimate(input)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &domain.ToolJob{
		ID:            uuid.NewString(),
		ToolSlug:      toolSlug,
		Status:        domain.JobStatusPending,
		Priority:      tool.Priority,
		Input:         append(domain.Payload(nil), input...),
		OwnerID:       actor.OwnerID(),
		EstimatedCost: estimate,
		MaxAttempts:   tool.MaxAttempts,
		ProcessAfter:  now,
		ExpiresAt:     now.Add(tool.TTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.Priority != nil {
		job.Priority = *opts.Priority
	}
	if actor.SessionID != "" {
		session := actor.SessionID
		job.SessionID = &session
	}

	// anonymous jobs are rate limited but not metered
	if actor.IsAuthenticated() {
		tenant := actor.TenantID
		job.TenantID = &tenant

		r, err := s.ledger.Reserve(ctx, tenant, toolSlug, job.ID, estimate)
		if err != nil {
			if errors.Is(err, domain.ErrNoActiveBalance) {
				return nil, &domain.InsufficientCreditsError{TenantID: tenant, Requested: estimate}
			}
			return nil, err
		}
		job.ReservationID = &r.ID
	}

	if err := s.store.Create(ctx, job); err != nil {
		if job.ReservationID != nil {
			if _, relErr := s.ledger.Release(ctx, *job.ReservationID, "job creation failed"); relErr != nil {
				s.logger.Error("Failed to release reservation after job creation failure",
					slog.String("job_id", job.ID),
					slog.String("reservation_id", *job.ReservationID),
					slog.Any("error", relErr),
				)
			}
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("tool_slug", toolSlug),
		slog.String("owner_id", job.OwnerID),
		slog.Int64("estimated_cost", estimate),
	)

	if s.notifier != nil {
		if err := s.notifier.NotifyJobAvailable(ctx, domain.JobNotice{JobID: job.ID, ToolSlug: toolSlug}); err != nil {
			// workers still find the job by polling
			s.logger.Warn("Failed to publish job notice",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}

	return job, nil
}

// Get returns a job its owner may see; other callers get domain.ErrJobNotFound
func (s *Service) Get(ctx context.Context, jobID string, actor domain.Actor) (*domain.ToolJob, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !actor.CanSee(job) {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// Cancel stops a PENDING or PROCESSING job and refunds its reservation. Work already
// running is not interrupted; its result is kept aside and never billed.
func (s *Service) Cancel(ctx context.Context, jobID string, actor domain.Actor) (*domain.ToolJob, error) {
	if _, err := s.Get(ctx, jobID, actor); err != nil {
		return nil, err
	}

	job, err := s.store.Cancel(ctx, jobID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job cancelled",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
	)

	// a failed refund is retried by the sweeper's settlement repair
	_ = s.settler.Settle(ctx, job)
	return job, nil
}

// Page is one page of a job listing
type Page struct {
	Jobs       []domain.ToolJob
	NextCursor *Cursor
}

// List returns the caller's jobs, newest first
func (s *Service) List(ctx context.Context, actor domain.Actor, filter ListFilter) (*Page, error) {
	filter.OwnerID = actor.OwnerID()
	if !actor.IsAuthenticated() && actor.SessionID == "" {
		return nil, domain.NewValidationError("session_id", "is required for anonymous callers")
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, domain.NewValidationError("status", "unknown status %q", filter.Status)
	}
	switch {
	case filter.PageSize <= 0:
		filter.PageSize = defaultPageSize
	case filter.PageSize > maxPageSize:
		filter.PageSize = maxPageSize
	}

	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	page := &Page{Jobs: jobs}
	if len(jobs) > filter.PageSize {
		page.Jobs = jobs[:filter.PageSize]
		last := page.Jobs[len(page.Jobs)-1]
		page.NextCursor = &Cursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return page, nil
}
