package billing

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// EventType is the provider's lifecycle notification type
type EventType string

// Handled event types
const (
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionRenewed   EventType = "subscription.renewed"
	EventInvoicePaid           EventType = "invoice.paid"
	EventPlanChanged           EventType = "plan.changed"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
)

// Event is a parsed provider notification
type Event struct {
	ID             string
	Type           EventType
	CreatedAt      time.Time
	SubscriptionID string
	CustomerID     string
	// TenantID comes from the subscription metadata when the checkout attached it
	TenantID    string
	PlanID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Raw         []byte
}

type wireEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		SubscriptionID     string            `json:"subscription_id"`
		CustomerID         string            `json:"customer_id"`
		PlanID             string            `json:"plan_id"`
		CurrentPeriodStart int64             `json:"current_period_start"`
		CurrentPeriodEnd   int64             `json:"current_period_end"`
		Metadata           map[string]string `json:"metadata"`
	} `json:"data"`
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// ParseEvent decodes a webhook body
func ParseEvent(body []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, domain.NewValidationError("body", "invalid event json: %v", err)
	}
	if w.ID == "" {
		return nil, domain.NewValidationError("id", "is required")
	}
	if w.Type == "" {
		return nil, domain.NewValidationError("type", "is required")
	}

	ev := &Event{
		ID:             w.ID,
		Type:           EventType(w.Type),
		CreatedAt:      unixOrZero(w.Created),
		SubscriptionID: w.Data.SubscriptionID,
		CustomerID:     w.Data.CustomerID,
		TenantID:       w.Data.Metadata["tenant_id"],
		PlanID:         w.Data.PlanID,
		PeriodStart:    unixOrZero(w.Data.CurrentPeriodStart),
		PeriodEnd:      unixOrZero(w.Data.CurrentPeriodEnd),
		Raw:            append([]byte(nil), body...),
	}
	return ev, nil
}

// hasPeriod reports whether the event carries usable billing period boundaries
func (e *Event) hasPeriod() bool {
	return !e.PeriodStart.IsZero() && e.PeriodEnd.After(e.PeriodStart)
}
