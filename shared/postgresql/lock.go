package postgresql

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"
)

// AdvisoryLock is a named session-level lock that at most one process holds at a time
type AdvisoryLock struct {
	client *Client
	name   string
}

// NewAdvisoryLock creates an AdvisoryLock keyed by hashtext(name)
func (c *Client) NewAdvisoryLock(name string) *AdvisoryLock {
	return &AdvisoryLock{client: c, name: name}
}

// TryLock acquires the lock without waiting. The lock lives on a dedicated connection
// that is returned to the pool by release.
func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.client.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection for lock %s: %w", l.name, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, l.name).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to try lock %s: %w", l.name, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.name); err != nil {
			l.client.logger.Error("Failed to release advisory lock, discarding connection",
				slog.String("lock", l.name),
				slog.Any("error", err),
			)
			// a session lock dies with its connection
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}
	return release, true, nil
}
