package domain

import "time"

// CreditBalance is the cached per-tenant, per-period projection of the transaction history
type CreditBalance struct {
	ID               string    `db:"id" json:"id"`
	TenantID         string    `db:"tenant_id" json:"tenant_id"`
	PeriodStart      time.Time `db:"period_start" json:"period_start"`
	PeriodEnd        time.Time `db:"period_end" json:"period_end"`
	Included         int64     `db:"included" json:"included"`
	Used             int64     `db:"used" json:"used"`
	Overage          int64     `db:"overage" json:"overage"`
	PurchasedCredits int64     `db:"purchased_credits" json:"purchased_credits"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Available is what a reservation may still consume
func (b *CreditBalance) Available() int64 {
	return b.Included + b.PurchasedCredits - b.Used
}

// RemainingPurchased is the purchased credit left once included credits are used up
func (b *CreditBalance) RemainingPurchased() int64 {
	consumed := b.Used - b.Included
	if consumed < 0 {
		consumed = 0
	}
	remaining := b.PurchasedCredits - consumed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CreditTransaction is an immutable ledger entry. Amount is the signed change applied
// to the field its type targets (see Fold).
type CreditTransaction struct {
	ID            string          `db:"id" json:"id"`
	BalanceID     string          `db:"balance_id" json:"balance_id"`
	Amount        int64           `db:"amount" json:"amount"`
	Type          TransactionType `db:"type" json:"type"`
	ToolSlug      *string         `db:"tool_slug" json:"tool_slug,omitempty"`
	JobID         *string         `db:"job_id" json:"job_id,omitempty"`
	ReservationID *string         `db:"reservation_id" json:"reservation_id,omitempty"`
	SourceEventID *string         `db:"source_event_id" json:"source_event_id,omitempty"`
	Description   string          `db:"description" json:"description"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Reservation is a provisional credit hold created at submission time
type Reservation struct {
	ID        string            `db:"id" json:"id"`
	BalanceID string            `db:"balance_id" json:"balance_id"`
	TenantID  string            `db:"tenant_id" json:"tenant_id"`
	JobID     string            `db:"job_id" json:"job_id"`
	ToolSlug  string            `db:"tool_slug" json:"tool_slug"`
	Amount    int64             `db:"amount" json:"amount"`
	Status    ReservationStatus `db:"status" json:"status"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	SettledAt *time.Time        `db:"settled_at" json:"settled_at,omitempty"`
}

// BalanceTotals are the fields of a CreditBalance derivable from its transactions
type BalanceTotals struct {
	Included         int64 `json:"included"`
	Used             int64 `json:"used"`
	Overage          int64 `json:"overage"`
	PurchasedCredits int64 `json:"purchased_credits"`
}

// Fold rederives balance totals from a transaction history
func Fold(txs []CreditTransaction) BalanceTotals {
	var t BalanceTotals
	for _, tx := range txs {
		switch tx.Type {
		case TransactionGrant, TransactionAdjustment:
			t.Included += tx.Amount
		case TransactionPurchase:
			t.PurchasedCredits += tx.Amount
		case TransactionUsage:
			t.Used += tx.Amount
		case TransactionOverage:
			t.Used += tx.Amount
			t.Overage += tx.Amount
		case TransactionRefund:
			t.Used -= tx.Amount
		}
	}
	return t
}

// Totals returns the cached totals of the balance
func (b *CreditBalance) Totals() BalanceTotals {
	return BalanceTotals{
		Included:         b.Included,
		Used:             b.Used,
		Overage:          b.Overage,
		PurchasedCredits: b.PurchasedCredits,
	}
}

// RateLimitEntry counts requests for one (identifier, tool, window)
type RateLimitEntry struct {
	Identifier  string    `db:"identifier" json:"identifier"`
	ToolSlug    string    `db:"tool_slug" json:"tool_slug"`
	WindowStart time.Time `db:"window_start" json:"window_start"`
	WindowEnd   time.Time `db:"window_end" json:"window_end"`
	Count       int       `db:"count" json:"count"`
}
