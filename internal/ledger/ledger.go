package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/google/uuid"
)

// Ledger owns tenant balances and their append-only transaction history
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a new Ledger
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Reserve places a hold of estimatedCost credits for a job
func (l *Ledger) Reserve(ctx context.Context, tenantID, toolSlug, jobID string, estimatedCost int64) (*domain.Reservation, error) {
	if tenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if estimatedCost < 0 {
		return nil, domain.NewValidationError("estimated_cost", "must not be negative, got %d", estimatedCost)
	}

	r, err := l.store.Reserve(ctx, ReserveParams{
		ReservationID: uuid.NewString(),
		TenantID:      tenantID,
		ToolSlug:      toolSlug,
		JobID:         jobID,
		Amount:        estimatedCost,
		Now:           l.now().UTC(),
	})
	if err != nil {
		var insufficient *domain.InsufficientCreditsError
		if errors.As(err, &insufficient) || errors.Is(err, domain.ErrNoActiveBalance) {
			l.logger.Info("Reservation refused",
				slog.String("tenant_id", tenantID),
				slog.String("tool_slug", toolSlug),
				slog.Int64("amount", estimatedCost),
				slog.String("reason", err.Error()),
			)
			return nil, err
		}
		return nil, fmt.Errorf("failed to reserve credits: %w", err)
	}

	l.logger.Debug("Credits reserved",
		slog.String("tenant_id", tenantID),
		slog.String("reservation_id", r.ID),
		slog.String("job_id", jobID),
		slog.Int64("amount", estimatedCost),
	)
	return r, nil
}

// Finalize nets the actual cost of a completed job against its reservation. A cost above
// the estimate is charged in full as extra usage; a lower cost refunds the difference.
func (l *Ledger) Finalize(ctx context.Context, reservationID string, actualCost int64) (*domain.Reservation, error) {
	if actualCost < 0 {
		return nil, domain.NewValidationError("actual_cost", "must not be negative, got %d", actualCost)
	}

	r, err := l.store.Settle(ctx, SettleParams{
		ReservationID: reservationID,
		Status:        domain.ReservationFinalized,
		ActualCost:    actualCost,
		Description:   "final cost adjustment",
		Now:           l.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Reservation finalized",
		slog.String("reservation_id", reservationID),
		slog.String("tenant_id", r.TenantID),
		slog.Int64("estimated", r.Amount),
		slog.Int64("actual", actualCost),
	)
	return r, nil
}

// Release refunds the whole reservation of a job that did not complete
func (l *Ledger) Release(ctx context.Context, reservationID, reason string) (*domain.Reservation, error) {
	r, err := l.store.Settle(ctx, SettleParams{
		ReservationID: reservationID,
		Status:        domain.ReservationReleased,
		Description:   reason,
		Now:           l.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Reservation released",
		slog.String("reservation_id", reservationID),
		slog.String("tenant_id", r.TenantID),
		slog.Int64("amount", r.Amount),
		slog.String("reason", reason),
	)
	return r, nil
}

// Grant adds included credits to the tenant's current period
func (l *Ledger) Grant(ctx context.Context, tenantID string, amount int64, reason string) (*domain.CreditBalance, error) {
	if amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive, got %d", amount)
	}
	return l.appendEntry(ctx, EntryParams{
		TenantID:    tenantID,
		Type:        domain.TransactionGrant,
		Amount:      amount,
		Description: reason,
	})
}

// Purchase adds purchased credits, which survive renewal until consumed.
// eventID may be empty for manual purchases.
func (l *Ledger) Purchase(ctx context.Context, tenantID string, amount int64, eventID, reason string) (*domain.CreditBalance, error) {
	if amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive, got %d", amount)
	}
	return l.appendEntry(ctx, EntryParams{
		TenantID:      tenantID,
		Type:          domain.TransactionPurchase,
		Amount:        amount,
		SourceEventID: eventID,
		Description:   reason,
	})
}

// AdjustIncluded changes the included allowance of the current period mid-cycle,
// at most once per eventID
func (l *Ledger) AdjustIncluded(ctx context.Context, tenantID string, delta int64, eventID, reason string) (*domain.CreditBalance, error) {
	if delta == 0 {
		return l.Balance(ctx, tenantID)
	}
	return l.appendEntry(ctx, EntryParams{
		TenantID:      tenantID,
		Type:          domain.TransactionAdjustment,
		Amount:        delta,
		SourceEventID: eventID,
		Description:   reason,
	})
}

func (l *Ledger) appendEntry(ctx context.Context, p EntryParams) (*domain.CreditBalance, error) {
	if p.TenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	p.Now = l.now().UTC()

	b, err := l.store.AppendEntry(ctx, p)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append %s entry: %w", p.Type, err)
	}

	l.logger.Info("Ledger entry appended",
		slog.String("tenant_id", p.TenantID),
		slog.String("type", string(p.Type)),
		slog.Int64("amount", p.Amount),
		slog.String("event_id", p.SourceEventID),
	)
	return b, nil
}

// OpenPeriod describes a new billing period
type OpenPeriod struct {
	TenantID string
	Start    time.Time
	End      time.Time
	Included int64
	// CarryPurchased moves the unconsumed purchased credits of the previous period forward
	CarryPurchased bool
	EventID        string
}

// OpenPeriod starts a billing period with a fresh used counter, granting the plan's included
// credits. Repeating it for the same start returns the existing period unchanged.
func (l *Ledger) OpenPeriod(ctx context.Context, p OpenPeriod) (*domain.CreditBalance, error) {
	if p.TenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if !p.End.After(p.Start) {
		return nil, domain.NewValidationError("period", "end %s must be after start %s", p.End, p.Start)
	}
	if p.Included < 0 {
		return nil, domain.NewValidationError("included", "must not be negative, got %d", p.Included)
	}

	b, err := l.store.OpenPeriod(ctx, PeriodParams{
		TenantID:       p.TenantID,
		Start:          p.Start.UTC(),
		End:            p.End.UTC(),
		Included:       p.Included,
		CarryPurchased: p.CarryPurchased,
		SourceEventID:  p.EventID,
		Now:            l.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open period: %w", err)
	}

	l.logger.Info("Billing period opened",
		slog.String("tenant_id", p.TenantID),
		slog.String("balance_id", b.ID),
		slog.Time("period_start", b.PeriodStart),
		slog.Time("period_end", b.PeriodEnd),
		slog.Int64("included", b.Included),
		slog.Int64("purchased_credits", b.PurchasedCredits),
	)
	return b, nil
}

// Balance returns the tenant's balance for the period containing now
func (l *Ledger) Balance(ctx context.Context, tenantID string) (*domain.CreditBalance, error) {
	return l.store.CurrentBalance(ctx, tenantID, l.now().UTC())
}

// LatestBalance returns the tenant's most recent period, expired or not
func (l *Ledger) LatestBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error) {
	return l.store.LatestBalance(ctx, tenantID)
}

// Transactions lists the entries of one balance row in insertion order
func (l *Ledger) Transactions(ctx context.Context, balanceID string) ([]domain.CreditTransaction, error) {
	return l.store.Transactions(ctx, balanceID)
}

// Reservation looks up a reservation by id
func (l *Ledger) Reservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return l.store.GetReservation(ctx, reservationID)
}

// HeldReservations lists reservations still HELD that were created before the cutoff
func (l *Ledger) HeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Reservation, error) {
	return l.store.HeldReservations(ctx, createdBefore, limit)
}

// AuditReport compares one cached balance row with the fold of its transactions
type AuditReport struct {
	Balance domain.CreditBalance `json:"balance"`
	Derived domain.BalanceTotals `json:"derived"`
	Drift   bool                 `json:"drift"`
}

// Audit rederives every balance row of a tenant (all tenants when tenantID is empty)
func (l *Ledger) Audit(ctx context.Context, tenantID string) ([]AuditReport, error) {
	balances, err := l.store.ListBalances(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}

	reports := make([]AuditReport, 0, len(balances))
	for _, b := range balances {
		txs, err := l.store.Transactions(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list transactions of balance %s: %w", b.ID, err)
		}

		derived := domain.Fold(txs)
		report := AuditReport{
			Balance: b,
			Derived: derived,
			Drift:   derived != b.Totals(),
		}
		if report.Drift {
			l.logger.Warn("Balance drift detected",
				slog.String("tenant_id", b.TenantID),
				slog.String("balance_id", b.ID),
				slog.Any("cached", b.Totals()),
				slog.Any("derived", derived),
			)
		}
		reports = append(reports, report)
	}
	return reports, nil
}
