package ledger

import (
	"context"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// ReserveParams describes a provisional hold against a tenant's current period
type ReserveParams struct {
	ReservationID string
	TenantID      string
	ToolSlug      string
	JobID         string
	Amount        int64
	Now           time.Time
}

// SettleParams closes a HELD reservation. ActualCost is only used when Status is FINALIZED.
type SettleParams struct {
	ReservationID string
	Status        domain.ReservationStatus
	ActualCost    int64
	Description   string
	Now           time.Time
}

// EntryParams appends a standalone entry (GRANT, PURCHASE, ADJUSTMENT) to the current period
type EntryParams struct {
	TenantID      string
	Type          domain.TransactionType
	Amount        int64
	SourceEventID string
	Description   string
	Now           time.Time
}

// PeriodParams opens a billing period for a tenant
type PeriodParams struct {
	TenantID       string
	Start          time.Time
	End            time.Time
	Included       int64
	CarryPurchased bool
	SourceEventID  string
	Now            time.Time
}

// Store persists balances, transactions and reservations. Every mutating method writes
// its transaction rows and the cached balance change as one atomic unit.
type Store interface {
	// Reserve increments used only if the result fits in included + purchased credits
	// of the period containing Now. Returns *domain.InsufficientCreditsError or
	// domain.ErrNoActiveBalance otherwise.
	Reserve(ctx context.Context, p ReserveParams) (*domain.Reservation, error)

	// Settle moves a HELD reservation to FINALIZED or RELEASED exactly once and writes the
	// netting entry. Returns domain.ErrReservationSettled on a repeat.
	Settle(ctx context.Context, p SettleParams) (*domain.Reservation, error)

	// AppendEntry is a no-op returning the current balance when SourceEventID was already applied
	AppendEntry(ctx context.Context, p EntryParams) (*domain.CreditBalance, error)

	// OpenPeriod is a no-op returning the existing row when the tenant already has a period
	// starting at Start
	OpenPeriod(ctx context.Context, p PeriodParams) (*domain.CreditBalance, error)

	CurrentBalance(ctx context.Context, tenantID string, now time.Time) (*domain.CreditBalance, error)
	LatestBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error)
	ListBalances(ctx context.Context, tenantID string) ([]domain.CreditBalance, error)
	Transactions(ctx context.Context, balanceID string) ([]domain.CreditTransaction, error)
	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	HeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Reservation, error)
}
