package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, tool_slug, status, priority, input, output, error, last_error, owner_id, tenant_id, session_id,
	reservation_id, estimated_cost, actual_cost, late_output, attempts, max_attempts, claimed_by,
	process_after, started_at, heartbeat_at, completed_at, expires_at, created_at, updated_at`

// PostgresStore keeps jobs in the tool_jobs table
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, job *domain.ToolJob) error {
	query := `
		INSERT INTO tool_jobs (` + jobColumns + `)
		VALUES (
			:id, :tool_slug, :status, :priority, :input, :output, :error, :last_error, :owner_id, :tenant_id, :session_id,
			:reservation_id, :estimated_cost, :actual_cost, :late_output, :attempts, :max_attempts, :claimed_by,
			:process_after, :started_at, :heartbeat_at, :completed_at, :expires_at, :created_at, :updated_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.ToolJob, error) {
	var job domain.ToolJob
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM tool_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]domain.ToolJob, error) {
	query := `SELECT ` + jobColumns + ` FROM tool_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.ToolSlug != "" {
		query += fmt.Sprintf(" AND tool_slug = $%d", argIdx)
		args = append(args, filter.ToolSlug)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// one extra row tells the caller whether another page exists
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.ToolJob
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNext locks the candidate row with SKIP LOCKED inside the UPDATE, so concurrent
// workers each take a different job and a job is never claimed twice
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.ToolJob, error) {
	query := `
		UPDATE tool_jobs
		SET status = $1,
			attempts = attempts + 1,
			claimed_by = $2,
			started_at = $3,
			heartbeat_at = $3,
			updated_at = $3
		WHERE id = (
			SELECT id FROM tool_jobs
			WHERE status = $4
			  AND process_after <= $3
			  AND expires_at > $3
			  AND attempts < max_attempts
			ORDER BY priority DESC, process_after, created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	var job domain.ToolJob
	err := s.db.QueryRowxContext(ctx, query, domain.JobStatusProcessing, workerID, now, domain.JobStatusPending).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoClaimableJob
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_jobs SET heartbeat_at = $1
		WHERE id = $2 AND status = $3 AND claimed_by = $4
	`, now, jobID, domain.JobStatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrJobAlreadyClaimed
	}
	return nil
}

// transition runs an UPDATE guarded by ownership of a PROCESSING job
func (s *PostgresStore) transition(ctx context.Context, jobID, workerID, set string, args ...interface{}) (*domain.ToolJob, error) {
	query := fmt.Sprintf(`
		UPDATE tool_jobs SET %s
		WHERE id = $%d AND status = $%d AND claimed_by = $%d
		RETURNING `+jobColumns, set, len(args)+1, len(args)+2, len(args)+3)
	args = append(args, jobID, domain.JobStatusProcessing, workerID)

	var job domain.ToolJob
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, domain.ErrJobNotFound) {
				return nil, domain.ErrJobNotFound
			}
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, workerID string, output domain.Payload, actualCost int64, now time.Time) (*domain.ToolJob, error) {
	return s.transition(ctx, jobID, workerID,
		`status = $1, output = $2, actual_cost = $3, completed_at = $4, updated_at = $4`,
		domain.JobStatusCompleted, output, actualCost, now)
}

func (s *PostgresStore) Retry(ctx context.Context, jobID, workerID, errMsg string, processAfter, now time.Time) (*domain.ToolJob, error) {
	return s.transition(ctx, jobID, workerID,
		`status = $1, last_error = $2, claimed_by = NULL, heartbeat_at = NULL, process_after = $3, updated_at = $4`,
		domain.JobStatusPending, errMsg, processAfter, now)
}

func (s *PostgresStore) Requeue(ctx context.Context, jobID, workerID string, now time.Time) (*domain.ToolJob, error) {
	return s.transition(ctx, jobID, workerID,
		`status = $1, attempts = GREATEST(attempts - 1, 0), claimed_by = NULL, started_at = NULL, heartbeat_at = NULL, process_after = $2, updated_at = $2`,
		domain.JobStatusPending, now)
}

func (s *PostgresStore) Fail(ctx context.Context, jobID, workerID, errMsg string, now time.Time) (*domain.ToolJob, error) {
	return s.transition(ctx, jobID, workerID,
		`status = $1, error = $2, last_error = $2, completed_at = $3, updated_at = $3`,
		domain.JobStatusFailed, errMsg, now)
}

func (s *PostgresStore) Cancel(ctx context.Context, jobID string, now time.Time) (*domain.ToolJob, error) {
	var job domain.ToolJob
	err := s.db.QueryRowxContext(ctx, `
		UPDATE tool_jobs SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
		RETURNING `+jobColumns,
		domain.JobStatusCancelled, now, jobID, domain.JobStatusPending, domain.JobStatusProcessing,
	).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.Get(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrInvalidTransition
		}
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) RecordLateOutput(ctx context.Context, jobID string, output domain.Payload, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_jobs SET late_output = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, output, now, jobID, domain.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to record late output: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) Expire(ctx context.Context, now time.Time, limit int) ([]domain.ToolJob, error) {
	var jobs []domain.ToolJob
	err := s.db.SelectContext(ctx, &jobs, `
		UPDATE tool_jobs
		SET status = $1, error = $2, last_error = $2, completed_at = $3, updated_at = $3
		WHERE id IN (
			SELECT id FROM tool_jobs
			WHERE status IN ($4, $5) AND expires_at <= $3
			ORDER BY expires_at
			FOR UPDATE SKIP LOCKED
			LIMIT $6
		)
		RETURNING `+jobColumns,
		domain.JobStatusFailed, timeoutError, now, domain.JobStatusPending, domain.JobStatusProcessing, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to expire jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) RecoverStale(ctx context.Context, staleBefore, now time.Time, limit int) ([]domain.ToolJob, error) {
	var jobs []domain.ToolJob
	err := s.db.SelectContext(ctx, &jobs, `
		UPDATE tool_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
			error = CASE WHEN attempts >= max_attempts THEN $3::text ELSE NULL END,
			last_error = CASE WHEN attempts >= max_attempts THEN $3::text ELSE last_error END,
			completed_at = CASE WHEN attempts >= max_attempts THEN $4::timestamptz ELSE NULL END,
			claimed_by = CASE WHEN attempts >= max_attempts THEN claimed_by ELSE NULL END,
			heartbeat_at = CASE WHEN attempts >= max_attempts THEN heartbeat_at ELSE NULL END,
			process_after = CASE WHEN attempts >= max_attempts THEN process_after ELSE $4::timestamptz END,
			updated_at = $4
		WHERE id IN (
			SELECT id FROM tool_jobs
			WHERE status = $5 AND heartbeat_at < $6
			ORDER BY heartbeat_at
			FOR UPDATE SKIP LOCKED
			LIMIT $7
		)
		RETURNING `+jobColumns,
		domain.JobStatusFailed, domain.JobStatusPending, attemptsExhausted, now, domain.JobStatusProcessing, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	return jobs, nil
}
