package domain

import (
	"time"
)

// ToolJob is one metered invocation of a tool, tracked through the retryable state machine
type ToolJob struct {
	ID            string     `db:"id" json:"id"`
	ToolSlug      string     `db:"tool_slug" json:"tool_slug"`
	Status        JobStatus  `db:"status" json:"status"`
	Priority      int        `db:"priority" json:"priority"`
	Input         Payload    `db:"input" json:"input"`
	Output        Payload    `db:"output" json:"output,omitempty"`
	Error         *string    `db:"error" json:"error,omitempty"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
	OwnerID       string     `db:"owner_id" json:"owner_id"`
	TenantID      *string    `db:"tenant_id" json:"tenant_id,omitempty"`
	SessionID     *string    `db:"session_id" json:"session_id,omitempty"`
	ReservationID *string    `db:"reservation_id" json:"-"`
	EstimatedCost int64      `db:"estimated_cost" json:"estimated_cost"`
	ActualCost    *int64     `db:"actual_cost" json:"actual_cost,omitempty"`
	LateOutput    Payload    `db:"late_output" json:"-"`
	Attempts      int        `db:"attempts" json:"attempts"`
	MaxAttempts   int        `db:"max_attempts" json:"max_attempts"`
	ClaimedBy     *string    `db:"claimed_by" json:"-"`
	ProcessAfter  time.Time  `db:"process_after" json:"process_after"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	HeartbeatAt   *time.Time `db:"heartbeat_at" json:"-"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// JobNotice is the message published when a job becomes claimable
type JobNotice struct {
	JobID    string `json:"job_id"`
	ToolSlug string `json:"tool_slug"`
}

// Actor identifies who submits or reads a job
type Actor struct {
	TenantID  string
	UserID    string
	SessionID string
	IP        string
}

// IsAuthenticated reports whether the actor carries a user identity
func (a Actor) IsAuthenticated() bool {
	return a.UserID != ""
}

// RateLimitIdentifier returns the key the rate limiter counts against.
// An authenticated identity always wins over IP- or session-derived ones.
func (a Actor) RateLimitIdentifier() string {
	switch {
	case a.UserID != "":
		return "user:" + a.UserID
	case a.IP != "":
		return "ip:" + a.IP
	case a.SessionID != "":
		return "session:" + a.SessionID
	default:
		return ""
	}
}

// OwnerID returns the identifier jobs are owned by
func (a Actor) OwnerID() string {
	if a.UserID != "" {
		return a.UserID
	}
	return "anon:" + a.SessionID
}

// CanSee reports whether the actor owns the job
func (a Actor) CanSee(job *ToolJob) bool {
	if job == nil {
		return false
	}
	if a.UserID != "" {
		return job.OwnerID == a.UserID
	}
	return a.SessionID != "" && job.SessionID != nil && *job.SessionID == a.SessionID
}
