package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	balanceColumns     = `id, tenant_id, period_start, period_end, included, used, overage, purchased_credits, created_at, updated_at`
	transactionColumns = `id, balance_id, amount, type, tool_slug, job_id, reservation_id, source_event_id, description, created_at`
	reservationColumns = `id, balance_id, tenant_id, job_id, tool_slug, amount, status, created_at, settled_at`
)

// PostgresStore keeps the ledger in credit_balances, credit_transactions and credit_reservations
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// insertTransaction returns false when the entry's source event was already recorded
func insertTransaction(ctx context.Context, tx *sqlx.Tx, balanceID string, t domain.CreditTransaction) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_event_id, type) WHERE source_event_id IS NOT NULL DO NOTHING
	`, uuid.NewString(), balanceID, t.Amount, t.Type, t.ToolSlug, t.JobID, t.ReservationID, t.SourceEventID, t.Description, t.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s transaction: %w", t.Type, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// balanceUpdate is the SET clause applying an entry of type t with amount $2
func balanceUpdate(t domain.TransactionType) (string, error) {
	switch t {
	case domain.TransactionGrant, domain.TransactionAdjustment:
		return `included = included + $2`, nil
	case domain.TransactionPurchase:
		return `purchased_credits = purchased_credits + $2`, nil
	case domain.TransactionUsage:
		return `used = used + $2`, nil
	case domain.TransactionOverage:
		return `used = used + $2, overage = overage + $2`, nil
	case domain.TransactionRefund:
		return `used = used - $2`, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", t)
}

func (s *PostgresStore) currentBalance(ctx context.Context, q sqlx.QueryerContext, tenantID string, now time.Time, forUpdate bool) (*domain.CreditBalance, error) {
	query := `
		SELECT ` + balanceColumns + `
		FROM credit_balances
		WHERE tenant_id = $1 AND period_start <= $2 AND period_end > $2
		ORDER BY period_start DESC
		LIMIT 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var b domain.CreditBalance
	if err := sqlx.GetContext(ctx, q, &b, query, tenantID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoActiveBalance
		}
		return nil, fmt.Errorf("failed to get current balance: %w", err)
	}
	return &b, nil
}

// Reserve is one conditional UPDATE; concurrent reservations queue on the row lock and
// re-check the condition against the committed value
func (s *PostgresStore) Reserve(ctx context.Context, p ReserveParams) (*domain.Reservation, error) {
	var r domain.Reservation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var balanceID string
		err := tx.QueryRowxContext(ctx, `
			UPDATE credit_balances
			SET used = used + $2, updated_at = $3
			WHERE id = (
				SELECT id FROM credit_balances
				WHERE tenant_id = $1 AND period_start <= $3 AND period_end > $3
				ORDER BY period_start DESC
				LIMIT 1
			)
			AND used + $2 <= included + purchased_credits
			RETURNING id
		`, p.TenantID, p.Amount, p.Now).Scan(&balanceID)
		if errors.Is(err, sql.ErrNoRows) {
			b, err := s.currentBalance(ctx, tx, p.TenantID, p.Now, false)
			if err != nil {
				return err
			}
			return &domain.InsufficientCreditsError{
				TenantID:  p.TenantID,
				Requested: p.Amount,
				Available: b.Available(),
			}
		}
		if err != nil {
			return fmt.Errorf("failed to increment used: %w", err)
		}

		if _, err := insertTransaction(ctx, tx, balanceID, domain.CreditTransaction{
			Amount:        p.Amount,
			Type:          domain.TransactionUsage,
			ToolSlug:      strPtr(p.ToolSlug),
			JobID:         strPtr(p.JobID),
			ReservationID: strPtr(p.ReservationID),
			Description:   "reservation for " + p.ToolSlug,
			CreatedAt:     p.Now,
		}); err != nil {
			return err
		}

		return tx.QueryRowxContext(ctx, `
			INSERT INTO credit_reservations (id, balance_id, tenant_id, job_id, tool_slug, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+reservationColumns,
			p.ReservationID, balanceID, p.TenantID, p.JobID, p.ToolSlug, p.Amount, domain.ReservationHeld, p.Now,
		).StructScan(&r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Settle relies on the HELD guard of the UPDATE so that concurrent settlements of the
// same reservation write exactly one netting entry
func (s *PostgresStore) Settle(ctx context.Context, p SettleParams) (*domain.Reservation, error) {
	var r domain.Reservation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			UPDATE credit_reservations
			SET status = $2, settled_at = $3
			WHERE id = $1 AND status = $4
			RETURNING `+reservationColumns,
			p.ReservationID, p.Status, p.Now, domain.ReservationHeld,
		).StructScan(&r)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := s.getReservation(ctx, tx, p.ReservationID); err != nil {
				return err
			}
			return domain.ErrReservationSettled
		}
		if err != nil {
			return fmt.Errorf("failed to settle reservation: %w", err)
		}

		entry, ok := settlementEntry(&r, p)
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_balances SET used = used + $2, updated_at = $3 WHERE id = $1
		`, r.BalanceID, usedDelta(entry), p.Now); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		_, err = insertTransaction(ctx, tx, r.BalanceID, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) AppendEntry(ctx context.Context, p EntryParams) (*domain.CreditBalance, error) {
	set, err := balanceUpdate(p.Type)
	if err != nil {
		return nil, err
	}

	var b *domain.CreditBalance
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.currentBalance(ctx, tx, p.TenantID, p.Now, true)
		if err != nil {
			return err
		}

		inserted, err := insertTransaction(ctx, tx, current.ID, domain.CreditTransaction{
			Amount:        p.Amount,
			Type:          p.Type,
			SourceEventID: strPtr(p.SourceEventID),
			Description:   p.Description,
			CreatedAt:     p.Now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			b = current
			return nil
		}

		var updated domain.CreditBalance
		if err := tx.QueryRowxContext(ctx, `
			UPDATE credit_balances SET `+set+`, updated_at = $3
			WHERE id = $1
			RETURNING `+balanceColumns,
			current.ID, p.Amount, p.Now,
		).StructScan(&updated); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		b = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// OpenPeriod serializes per tenant on a transaction-scoped advisory lock so that the
// carry-over is computed from a stable previous period
func (s *PostgresStore) OpenPeriod(ctx context.Context, p PeriodParams) (*domain.CreditBalance, error) {
	var b domain.CreditBalance
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "ledger:"+p.TenantID); err != nil {
			return fmt.Errorf("failed to lock tenant: %w", err)
		}

		err := tx.GetContext(ctx, &b, `
			SELECT `+balanceColumns+` FROM credit_balances WHERE tenant_id = $1 AND period_start = $2
		`, p.TenantID, p.Start)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up period: %w", err)
		}

		var carry int64
		if p.CarryPurchased {
			prev, err := s.latestBalance(ctx, tx, p.TenantID)
			switch {
			case err == nil:
				carry = prev.RemainingPurchased()
			case !errors.Is(err, domain.ErrNoActiveBalance):
				return err
			}
		}

		entries := periodEntries(p, carry)
		b = domain.CreditBalance{
			ID:          uuid.NewString(),
			TenantID:    p.TenantID,
			PeriodStart: p.Start,
			PeriodEnd:   p.End,
			CreatedAt:   p.Now,
			UpdatedAt:   p.Now,
		}
		for _, e := range entries {
			applyEntry(&b, e.Type, e.Amount)
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO credit_balances (`+balanceColumns+`)
			VALUES (:id, :tenant_id, :period_start, :period_end, :included, :used, :overage, :purchased_credits, :created_at, :updated_at)
		`, &b); err != nil {
			return fmt.Errorf("failed to insert balance: %w", err)
		}
		for _, e := range entries {
			if _, err := insertTransaction(ctx, tx, b.ID, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CurrentBalance(ctx context.Context, tenantID string, now time.Time) (*domain.CreditBalance, error) {
	return s.currentBalance(ctx, s.db, tenantID, now, false)
}

func (s *PostgresStore) latestBalance(ctx context.Context, q sqlx.QueryerContext, tenantID string) (*domain.CreditBalance, error) {
	var b domain.CreditBalance
	err := sqlx.GetContext(ctx, q, &b, `
		SELECT `+balanceColumns+` FROM credit_balances
		WHERE tenant_id = $1
		ORDER BY period_start DESC
		LIMIT 1
	`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoActiveBalance
		}
		return nil, fmt.Errorf("failed to get latest balance: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) LatestBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error) {
	return s.latestBalance(ctx, s.db, tenantID)
}

func (s *PostgresStore) ListBalances(ctx context.Context, tenantID string) ([]domain.CreditBalance, error) {
	var out []domain.CreditBalance
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+balanceColumns+` FROM credit_balances
		WHERE $1 = '' OR tenant_id = $1
		ORDER BY tenant_id, period_start
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, balanceID string) ([]domain.CreditTransaction, error) {
	var out []domain.CreditTransaction
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE balance_id = $1
		ORDER BY created_at, id
	`, balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) getReservation(ctx context.Context, q sqlx.QueryerContext, reservationID string) (*domain.Reservation, error) {
	var r domain.Reservation
	err := sqlx.GetContext(ctx, q, &r, `SELECT `+reservationColumns+` FROM credit_reservations WHERE id = $1`, reservationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return s.getReservation(ctx, s.db, reservationID)
}

func (s *PostgresStore) HeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+reservationColumns+` FROM credit_reservations
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, domain.ReservationHeld, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list held reservations: %w", err)
	}
	return out, nil
}
