package dto

import (
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

type BalanceDTO struct {
	TenantID           string `json:"tenant_id"`
	PeriodStart        string `json:"period_start"`
	PeriodEnd          string `json:"period_end"`
	Included           int64  `json:"included"`
	Used               int64  `json:"used"`
	PurchasedCredits   int64  `json:"purchased_credits"`
	RemainingPurchased int64  `json:"remaining_purchased"`
	Available          int64  `json:"available"`
}

func NewBalanceDTO(b *domain.CreditBalance) BalanceDTO {
	return BalanceDTO{
		TenantID:           b.TenantID,
		PeriodStart:        b.PeriodStart.UTC().Format(time.RFC3339),
		PeriodEnd:          b.PeriodEnd.UTC().Format(time.RFC3339),
		Included:           b.Included,
		Used:               b.Used,
		PurchasedCredits:   b.PurchasedCredits,
		RemainingPurchased: b.RemainingPurchased(),
		Available:          b.Available(),
	}
}

type WebhookResponse struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
