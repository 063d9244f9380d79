package billing

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

var (
	// ErrTenantNotResolved is returned when no subscription maps to the event's references
	ErrTenantNotResolved = errors.New("billing: tenant not resolved")

	// ErrSubscriptionNotFound is returned when a tenant has no subscription record
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")

	// ErrSubscriptionTaken is returned when a subscription reference is already bound to another tenant
	ErrSubscriptionTaken = errors.New("billing: subscription belongs to another tenant")

	// ErrEventNotFound is returned when an event id was never recorded
	ErrEventNotFound = errors.New("billing: event not found")
)

// EventStatus is the processing state of a recorded event
type EventStatus string

// Event statuses
const (
	EventReceived    EventStatus = "RECEIVED"
	EventApplied     EventStatus = "APPLIED"
	EventStale       EventStatus = "STALE"
	EventIgnored     EventStatus = "IGNORED"
	EventNeedsReview EventStatus = "NEEDS_REVIEW"
	EventFailed      EventStatus = "FAILED"
)

// Final reports whether redelivery of the event must be a no-op
func (s EventStatus) Final() bool {
	switch s {
	case EventApplied, EventStale, EventIgnored, EventNeedsReview:
		return true
	}
	return false
}

// EventRecord is the audit trail of one provider notification
type EventRecord struct {
	ID          string         `db:"id" json:"id"`
	Type        string         `db:"type" json:"type"`
	Status      EventStatus    `db:"status" json:"status"`
	TenantID    *string        `db:"tenant_id" json:"tenant_id,omitempty"`
	Payload     domain.Payload `db:"payload" json:"payload"`
	Error       *string        `db:"error" json:"error,omitempty"`
	ReceivedAt  time.Time      `db:"received_at" json:"received_at"`
	ProcessedAt *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
}

// Subscription is the reconciler's view of a tenant's provider subscription
type Subscription struct {
	TenantID          string     `db:"tenant_id" json:"tenant_id"`
	SubscriptionID    string     `db:"subscription_id" json:"subscription_id"`
	CustomerID        string     `db:"customer_id" json:"customer_id"`
	PlanID            string     `db:"plan_id" json:"plan_id"`
	PendingPlanID     *string    `db:"pending_plan_id" json:"pending_plan_id,omitempty"`
	PeriodStart       time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd         time.Time  `db:"period_end" json:"period_end"`
	CancelAtPeriodEnd bool       `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	LastPlanEventAt   *time.Time `db:"last_plan_event_at" json:"last_plan_event_at,omitempty"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// opened reports whether a created or renewed event has set the period. Before that the
// row only binds the provider references to the tenant.
func (s *Subscription) opened() bool {
	return !s.PeriodStart.IsZero()
}

// Store persists events and subscriptions
type Store interface {
	// RecordEvent inserts rec unless an event with the same id exists; it returns the
	// stored record and whether it was inserted
	RecordEvent(ctx context.Context, rec *EventRecord) (*EventRecord, bool, error)
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)
	MarkEvent(ctx context.Context, eventID string, status EventStatus, tenantID, errMsg string, now time.Time) error
	ListEvents(ctx context.Context, status EventStatus, limit int) ([]EventRecord, error)

	// FindTenant resolves a subscription reference first, then a customer reference
	FindTenant(ctx context.Context, subscriptionID, customerID string) (string, error)
	GetSubscription(ctx context.Context, tenantID string) (*Subscription, error)
	// SaveSubscription upserts by tenant; it returns ErrSubscriptionTaken when another
	// tenant already holds sub.SubscriptionID
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// LockTenant serializes reconciliation for one tenant until unlock is called
	LockTenant(ctx context.Context, tenantID string) (unlock func(), err error)
}
