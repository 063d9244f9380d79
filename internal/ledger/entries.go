package ledger

import (
	"github.com/cuongbtq/toolmeter/internal/domain"
)

// settlementEntry returns the netting transaction for closing r, or false when
// nothing needs to be written (actual cost equal to the estimate)
func settlementEntry(r *domain.Reservation, p SettleParams) (domain.CreditTransaction, bool) {
	tx := domain.CreditTransaction{
		ToolSlug:      strPtr(r.ToolSlug),
		JobID:         strPtr(r.JobID),
		ReservationID: strPtr(r.ID),
		Description:   p.Description,
		CreatedAt:     p.Now,
	}

	switch p.Status {
	case domain.ReservationReleased:
		if r.Amount == 0 {
			return tx, false
		}
		tx.Type = domain.TransactionRefund
		tx.Amount = r.Amount
	default:
		delta := p.ActualCost - r.Amount
		switch {
		case delta > 0:
			tx.Type = domain.TransactionUsage
			tx.Amount = delta
		case delta < 0:
			tx.Type = domain.TransactionRefund
			tx.Amount = -delta
		default:
			return tx, false
		}
	}
	return tx, true
}

// usedDelta is the change a settlement entry makes to the used counter
func usedDelta(tx domain.CreditTransaction) int64 {
	if tx.Type == domain.TransactionRefund {
		return -tx.Amount
	}
	return tx.Amount
}

// applyEntry mirrors domain.Fold for a single entry
func applyEntry(b *domain.CreditBalance, t domain.TransactionType, amount int64) {
	switch t {
	case domain.TransactionGrant, domain.TransactionAdjustment:
		b.Included += amount
	case domain.TransactionPurchase:
		b.PurchasedCredits += amount
	case domain.TransactionUsage:
		b.Used += amount
	case domain.TransactionOverage:
		b.Used += amount
		b.Overage += amount
	case domain.TransactionRefund:
		b.Used -= amount
	}
}

// periodEntries are the opening transactions of a new billing period
func periodEntries(p PeriodParams, carry int64) []domain.CreditTransaction {
	entries := []domain.CreditTransaction{{
		Amount:        p.Included,
		Type:          domain.TransactionGrant,
		SourceEventID: strPtr(p.SourceEventID),
		Description:   "included credits for period",
		CreatedAt:     p.Now,
	}}
	if carry > 0 {
		entries = append(entries, domain.CreditTransaction{
			Amount:        carry,
			Type:          domain.TransactionPurchase,
			SourceEventID: strPtr(p.SourceEventID),
			Description:   "purchased credits carried over",
			CreatedAt:     p.Now,
		})
	}
	return entries
}
