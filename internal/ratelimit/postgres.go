package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore persists RateLimitEntry rows, one per (identifier, tool, window)
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Increment serializes on a transaction-scoped advisory lock for the key so that
// the find-or-create of the current window is atomic across API replicas
func (s *PostgresStore) Increment(ctx context.Context, identifier, toolSlug string, window time.Duration, now time.Time) (Window, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Window{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "ratelimit:"+identifier+"|"+toolSlug); err != nil {
		return Window{}, fmt.Errorf("failed to lock rate limit key: %w", err)
	}

	var w Window
	err = tx.QueryRowxContext(ctx, `
		UPDATE rate_limit_entries
		SET count = count + 1
		WHERE identifier = $1
		  AND tool_slug = $2
		  AND window_start <= $3
		  AND window_end > $3
		RETURNING window_start, window_end, count
	`, identifier, toolSlug, now).Scan(&w.Start, &w.End, &w.Count)

	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO rate_limit_entries (identifier, tool_slug, window_start, window_end, count)
			VALUES ($1, $2, $3, $4, 1)
			RETURNING window_start, window_end, count
		`, identifier, toolSlug, now, now.Add(window)).Scan(&w.Start, &w.End, &w.Count)
	}
	if err != nil {
		return Window{}, fmt.Errorf("failed to count request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Window{}, fmt.Errorf("failed to commit rate limit window: %w", err)
	}

	return w, nil
}

// Purge deletes windows that ended before the cutoff
func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_entries WHERE window_end < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate limit windows: %w", err)
	}
	return result.RowsAffected()
}
