package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/toolmeter/internal/billing"
	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/jobs"
)

// JobService is the job lifecycle the HTTP layer exposes
type JobService interface {
	Submit(ctx context.Context, toolSlug string, input []byte, actor domain.Actor, opts jobs.SubmitOptions) (*domain.ToolJob, error)
	Get(ctx context.Context, jobID string, actor domain.Actor) (*domain.ToolJob, error)
	Cancel(ctx context.Context, jobID string, actor domain.Actor) (*domain.ToolJob, error)
	List(ctx context.Context, actor domain.Actor, filter jobs.ListFilter) (*jobs.Page, error)
}

// CreditReader reads a tenant's current balance
type CreditReader interface {
	Balance(ctx context.Context, tenantID string) (*domain.CreditBalance, error)
}

// EventHandler applies verified billing events
type EventHandler interface {
	Handle(ctx context.Context, ev *billing.Event) (billing.Outcome, error)
}

// HealthCheck reports whether one backing service is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Jobs    JobService
	Credits CreditReader
	Billing EventHandler
	// WebhookSecret authenticates billing notifications
	WebhookSecret      []byte
	SignatureTolerance time.Duration
	HealthChecks       map[string]HealthCheck
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{logger: deps.Logger, jobs: deps.Jobs}
}

// CreditHandler serves balance reads
type CreditHandler struct {
	logger  *slog.Logger
	credits CreditReader
}

// NewCreditHandler creates a new CreditHandler instance
func NewCreditHandler(deps *Dependencies) *CreditHandler {
	return &CreditHandler{logger: deps.Logger, credits: deps.Credits}
}

// WebhookHandler receives billing provider notifications
type WebhookHandler struct {
	logger    *slog.Logger
	billing   EventHandler
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	tolerance := deps.SignatureTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &WebhookHandler{
		logger:    deps.Logger,
		billing:   deps.Billing,
		secret:    deps.WebhookSecret,
		tolerance: tolerance,
		now:       time.Now,
	}
}
