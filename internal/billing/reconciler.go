package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/ledger"
)

// Outcome is what handling one event amounted to
type Outcome string

// Handling outcomes
const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeStale       Outcome = "stale"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeFailed      Outcome = "failed"
)

// Ledger is the part of the credit ledger the reconciler mutates
type Ledger interface {
	OpenPeriod(ctx context.Context, p ledger.OpenPeriod) (*domain.CreditBalance, error)
	AdjustIncluded(ctx context.Context, tenantID string, delta int64, eventID, reason string) (*domain.CreditBalance, error)
}

// Reconciler keeps tenant ledgers aligned with provider subscription events.
// Replays and reordered deliveries are safe: events are recorded by id, stale period
// boundaries are skipped and ledger writes are keyed by event id.
type Reconciler struct {
	store  Store
	ledger Ledger
	plans  Plans
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a new Reconciler
func NewReconciler(store Store, ledger Ledger, plans Plans, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		ledger: ledger,
		plans:  plans,
		logger: logger,
		now:    time.Now,
	}
}

// errStale marks an event that describes a period or plan state older than what is stored
var errStale = errors.New("event is older than stored subscription state")

// ErrSubscriptionPending is returned for a plan change or cancellation that arrived before
// the subscription's first period. The event is marked FAILED so a redelivery applies it.
var ErrSubscriptionPending = errors.New("billing: subscription has no period yet")

// Handle records and applies one event. The returned error is non-nil only for
// Outcome failed; review cases are acknowledged with a nil error.
func (r *Reconciler) Handle(ctx context.Context, ev *Event) (Outcome, error) {
	logger := r.logger.With(slog.String("event_id", ev.ID), slog.String("type", string(ev.Type)))

	rec, inserted, err := r.store.RecordEvent(ctx, &EventRecord{
		ID:         ev.ID,
		Type:       string(ev.Type),
		Status:     EventReceived,
		Payload:    domain.Payload(ev.Raw),
		ReceivedAt: r.now().UTC(),
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if !inserted && rec.Status.Final() {
		logger.Info("Duplicate billing event", slog.String("status", string(rec.Status)))
		return OutcomeDuplicate, nil
	}

	if !handled(ev.Type) {
		logger.Info("Ignoring unhandled billing event type")
		return OutcomeIgnored, r.mark(ctx, ev.ID, EventIgnored, "", "")
	}

	tenantID, err := r.resolveTenant(ctx, ev)
	if err != nil {
		var ambiguity *domain.ReconciliationAmbiguityError
		if errors.As(err, &ambiguity) {
			logger.Warn("Billing event flagged for review", slog.String("reason", ambiguity.Reason))
			return OutcomeNeedsReview, r.mark(ctx, ev.ID, EventNeedsReview, "", ambiguity.Error())
		}
		return r.fail(ctx, logger, ev.ID, "", err)
	}
	logger = logger.With(slog.String("tenant_id", tenantID))

	unlock, err := r.store.LockTenant(ctx, tenantID)
	if err != nil {
		return r.fail(ctx, logger, ev.ID, tenantID, err)
	}
	defer unlock()

	// a concurrent delivery of the same event may have finished while we waited
	current, err := r.store.GetEvent(ctx, ev.ID)
	if err != nil {
		return r.fail(ctx, logger, ev.ID, tenantID, err)
	}
	if current.Status.Final() {
		return OutcomeDuplicate, nil
	}

	err = r.apply(ctx, tenantID, ev)
	var ambiguity *domain.ReconciliationAmbiguityError
	switch {
	case err == nil:
		logger.Info("Billing event applied")
		return OutcomeApplied, r.mark(ctx, ev.ID, EventApplied, tenantID, "")
	case errors.Is(err, errStale):
		logger.Info("Stale billing event skipped")
		return OutcomeStale, r.mark(ctx, ev.ID, EventStale, tenantID, "")
	case errors.As(err, &ambiguity):
		logger.Warn("Billing event flagged for review", slog.String("reason", ambiguity.Reason))
		return OutcomeNeedsReview, r.mark(ctx, ev.ID, EventNeedsReview, tenantID, ambiguity.Error())
	case errors.Is(err, ErrSubscriptionTaken):
		reason := r.ambiguous(ev, "subscription %s is bound to another tenant", ev.SubscriptionID)
		logger.Warn("Billing event flagged for review", slog.String("reason", reason.Error()))
		return OutcomeNeedsReview, r.mark(ctx, ev.ID, EventNeedsReview, tenantID, reason.Error())
	case errors.Is(err, ErrSubscriptionPending):
		logger.Warn("Billing event arrived before its subscription, awaiting redelivery")
		if markErr := r.mark(ctx, ev.ID, EventFailed, tenantID, err.Error()); markErr != nil {
			logger.Error("Failed to record billing event failure", slog.Any("error", markErr))
		}
		return OutcomeFailed, err
	default:
		return r.fail(ctx, logger, ev.ID, tenantID, err)
	}
}

func handled(t EventType) bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionRenewed, EventInvoicePaid, EventPlanChanged, EventSubscriptionCancelled:
		return true
	}
	return false
}

func (r *Reconciler) mark(ctx context.Context, eventID string, status EventStatus, tenantID, errMsg string) error {
	if err := r.store.MarkEvent(ctx, eventID, status, tenantID, errMsg, r.now().UTC()); err != nil {
		return fmt.Errorf("failed to mark event %s as %s: %w", eventID, status, err)
	}
	return nil
}

func (r *Reconciler) fail(ctx context.Context, logger *slog.Logger, eventID, tenantID string, cause error) (Outcome, error) {
	logger.Error("Failed to apply billing event", slog.Any("error", cause))
	if err := r.mark(ctx, eventID, EventFailed, tenantID, cause.Error()); err != nil {
		logger.Error("Failed to record billing event failure", slog.Any("error", err))
	}
	return OutcomeFailed, cause
}

func (r *Reconciler) ambiguous(ev *Event, format string, args ...any) error {
	return &domain.ReconciliationAmbiguityError{EventID: ev.ID, Reason: fmt.Sprintf(format, args...)}
}

// resolveTenant prefers metadata, then the subscription reference, then the customer reference
func (r *Reconciler) resolveTenant(ctx context.Context, ev *Event) (string, error) {
	known, err := r.store.FindTenant(ctx, ev.SubscriptionID, ev.CustomerID)
	if err != nil && !errors.Is(err, ErrTenantNotResolved) {
		return "", err
	}

	switch {
	case ev.TenantID != "" && known != "" && known != ev.TenantID:
		return "", r.ambiguous(ev, "metadata tenant %s conflicts with tenant %s of subscription %s", ev.TenantID, known, ev.SubscriptionID)
	case ev.TenantID != "":
		return ev.TenantID, nil
	case known != "":
		return known, nil
	}
	return "", r.ambiguous(ev, "no tenant for subscription %q / customer %q", ev.SubscriptionID, ev.CustomerID)
}

func (r *Reconciler) apply(ctx context.Context, tenantID string, ev *Event) error {
	sub, err := r.store.GetSubscription(ctx, tenantID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		sub = nil
	} else if err != nil {
		return err
	}

	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionRenewed, EventInvoicePaid:
		return r.openPeriod(ctx, tenantID, sub, ev)
	}

	if sub == nil || !sub.opened() {
		return ErrSubscriptionPending
	}
	switch ev.Type {
	case EventPlanChanged:
		return r.changePlan(ctx, tenantID, sub, ev)
	case EventSubscriptionCancelled:
		return r.cancel(ctx, sub, ev)
	}
	return nil
}

// openPeriod handles creation and renewal the same way: a period that starts after the
// stored one replaces it with a fresh allowance. Purchased credits carry over and a
// deferred downgrade takes effect here.
func (r *Reconciler) openPeriod(ctx context.Context, tenantID string, sub *Subscription, ev *Event) error {
	if !ev.hasPeriod() {
		return r.ambiguous(ev, "event has no valid billing period")
	}
	if sub != nil && sub.opened() && !ev.PeriodStart.After(sub.PeriodStart) {
		return errStale
	}

	planID := ev.PlanID
	if planID == "" && sub != nil && sub.opened() {
		planID = sub.PlanID
		if sub.PendingPlanID != nil {
			planID = *sub.PendingPlanID
		}
	}
	plan, ok := r.plans[planID]
	if !ok {
		return r.ambiguous(ev, "unknown plan %q", planID)
	}

	next := Subscription{TenantID: tenantID}
	if sub != nil {
		next = *sub
	}
	if ev.SubscriptionID != "" {
		next.SubscriptionID = ev.SubscriptionID
	}
	if ev.CustomerID != "" {
		next.CustomerID = ev.CustomerID
	}

	// claim the provider references before any credits move: a reference held by another
	// tenant must fail here, not after the grant
	if sub == nil || next.SubscriptionID != sub.SubscriptionID || next.CustomerID != sub.CustomerID {
		binding := next
		binding.UpdatedAt = r.now().UTC()
		if err := r.store.SaveSubscription(ctx, &binding); err != nil {
			return err
		}
	}

	if _, err := r.ledger.OpenPeriod(ctx, ledger.OpenPeriod{
		TenantID:       tenantID,
		Start:          ev.PeriodStart,
		End:            ev.PeriodEnd,
		Included:       plan.IncludedCredits,
		CarryPurchased: true,
		EventID:        ev.ID,
	}); err != nil {
		return err
	}

	next.PlanID = plan.ID
	next.PendingPlanID = nil
	next.PeriodStart = ev.PeriodStart
	next.PeriodEnd = ev.PeriodEnd
	// a renewal means the subscription continued despite an earlier cancel request
	next.CancelAtPeriodEnd = false
	next.UpdatedAt = r.now().UTC()
	return r.store.SaveSubscription(ctx, &next)
}

// changePlan raises the allowance immediately on upgrade and defers a downgrade to the
// next renewal so a tenant never loses credits granted for the current period
func (r *Reconciler) changePlan(ctx context.Context, tenantID string, sub *Subscription, ev *Event) error {
	if ev.hasPeriod() && ev.PeriodStart.Before(sub.PeriodStart) {
		return errStale
	}
	if sub.LastPlanEventAt != nil {
		if ev.CreatedAt.IsZero() {
			return r.ambiguous(ev, "plan change without a created timestamp cannot be ordered after the change of %s",
				sub.LastPlanEventAt.Format(time.RFC3339))
		}
		if !ev.CreatedAt.After(*sub.LastPlanEventAt) {
			return errStale
		}
	}

	target, ok := r.plans[ev.PlanID]
	if !ok {
		return r.ambiguous(ev, "unknown plan %q", ev.PlanID)
	}
	current, ok := r.plans[sub.PlanID]
	if !ok {
		return r.ambiguous(ev, "stored plan %q is no longer in the catalog", sub.PlanID)
	}

	next := *sub
	switch delta := target.IncludedCredits - current.IncludedCredits; {
	case delta > 0:
		reason := fmt.Sprintf("upgrade %s -> %s", current.ID, target.ID)
		if _, err := r.ledger.AdjustIncluded(ctx, tenantID, delta, ev.ID, reason); err != nil {
			return err
		}
		next.PlanID = target.ID
		next.PendingPlanID = nil
	case delta < 0:
		pending := target.ID
		next.PendingPlanID = &pending
	default:
		next.PlanID = target.ID
		next.PendingPlanID = nil
	}

	// an untimestamped change leaves the ordering mark alone so later events still compare against real times
	if !ev.CreatedAt.IsZero() {
		created := ev.CreatedAt
		next.LastPlanEventAt = &created
	}
	next.UpdatedAt = r.now().UTC()
	return r.store.SaveSubscription(ctx, &next)
}

// cancel only flags the subscription; credits stay usable until the period ends
func (r *Reconciler) cancel(ctx context.Context, sub *Subscription, ev *Event) error {
	if ev.hasPeriod() && ev.PeriodStart.Before(sub.PeriodStart) {
		return errStale
	}

	next := *sub
	next.CancelAtPeriodEnd = true
	next.UpdatedAt = r.now().UTC()
	return r.store.SaveSubscription(ctx, &next)
}

// Reviews lists events waiting for manual review
func (r *Reconciler) Reviews(ctx context.Context, limit int) ([]EventRecord, error) {
	return r.store.ListEvents(ctx, EventNeedsReview, limit)
}
