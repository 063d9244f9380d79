package billing

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE of a unique index conflict
const uniqueViolation = "23505"

const (
	eventColumns        = `id, type, status, tenant_id, payload, error, received_at, processed_at`
	subscriptionColumns = `tenant_id, subscription_id, customer_id, plan_id, pending_plan_id, period_start, period_end,
		cancel_at_period_end, last_plan_event_at, updated_at`
)

// PostgresStore keeps billing state in billing_events and billing_subscriptions
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordEvent(ctx context.Context, rec *EventRecord) (*EventRecord, bool, error) {
	var stored EventRecord
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO billing_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+eventColumns,
		rec.ID, rec.Type, rec.Status, rec.TenantID, rec.Payload, rec.Error, rec.ReceivedAt, rec.ProcessedAt,
	).StructScan(&stored)
	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record billing event: %w", err)
	}

	if err := s.db.GetContext(ctx, &stored, `SELECT `+eventColumns+` FROM billing_events WHERE id = $1`, rec.ID); err != nil {
		return nil, false, fmt.Errorf("failed to load billing event: %w", err)
	}
	return &stored, false, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	var rec EventRecord
	err := s.db.GetContext(ctx, &rec, `SELECT `+eventColumns+` FROM billing_events WHERE id = $1`, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) MarkEvent(ctx context.Context, eventID string, status EventStatus, tenantID, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET status = $2,
			tenant_id = COALESCE(NULLIF($3, ''), tenant_id),
			error = NULLIF($4, ''),
			processed_at = $5
		WHERE id = $1
	`, eventID, status, tenantID, errMsg, now)
	if err != nil {
		return fmt.Errorf("failed to mark billing event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, status EventStatus, limit int) ([]EventRecord, error) {
	var out []EventRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+eventColumns+` FROM billing_events
		WHERE $1 = '' OR status = $1
		ORDER BY received_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindTenant(ctx context.Context, subscriptionID, customerID string) (string, error) {
	var tenantID string
	err := s.db.GetContext(ctx, &tenantID, `
		SELECT tenant_id FROM billing_subscriptions
		WHERE ($1 <> '' AND subscription_id = $1) OR ($2 <> '' AND customer_id = $2)
		ORDER BY (subscription_id = $1) DESC
		LIMIT 1
	`, subscriptionID, customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTenantNotResolved
		}
		return "", fmt.Errorf("failed to resolve tenant: %w", err)
	}
	return tenantID, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.GetContext(ctx, &sub, `SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) SaveSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO billing_subscriptions (`+subscriptionColumns+`)
		VALUES (:tenant_id, :subscription_id, :customer_id, :plan_id, :pending_plan_id, :period_start, :period_end,
			:cancel_at_period_end, :last_plan_event_at, :updated_at)
		ON CONFLICT (tenant_id) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			customer_id = EXCLUDED.customer_id,
			plan_id = EXCLUDED.plan_id,
			pending_plan_id = EXCLUDED.pending_plan_id,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			last_plan_event_at = EXCLUDED.last_plan_event_at,
			updated_at = EXCLUDED.updated_at
	`, sub)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrSubscriptionTaken
		}
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// LockTenant holds a session advisory lock on a dedicated connection, so the lock spans
// the several ledger transactions one event may need
func (s *PostgresStore) LockTenant(ctx context.Context, tenantID string) (func(), error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	key := "billing:" + tenantID
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to lock tenant %s: %w", tenantID, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			// a session lock dies with its connection; drop it instead of pooling it
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}
