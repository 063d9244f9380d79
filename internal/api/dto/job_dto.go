package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

type CreateJobRequest struct {
	Input    json.RawMessage `json:"input" binding:"required"`
	Priority *int            `json:"priority"`
}

type ListJobsRequest struct {
	ToolSlug string `form:"tool_slug"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the public view of a job. Reservation ids, claim owners and late output stay internal.
type JobDTO struct {
	JobID         string          `json:"job_id"`
	ToolSlug      string          `json:"tool_slug"`
	Status        string          `json:"status"`
	Priority      int             `json:"priority"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *string         `json:"error,omitempty"`
	EstimatedCost int64           `json:"estimated_cost"`
	ActualCost    *int64          `json:"actual_cost,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	StartedAt     *string         `json:"started_at,omitempty"`
	CompletedAt   *string         `json:"completed_at,omitempty"`
	ExpiresAt     string          `json:"expires_at"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// NewJobDTO converts a domain job. Output is only exposed once the job COMPLETED.
func NewJobDTO(job *domain.ToolJob) JobDTO {
	out := JobDTO{
		JobID:         job.ID,
		ToolSlug:      job.ToolSlug,
		Status:        string(job.Status),
		Priority:      job.Priority,
		Error:         job.Error,
		EstimatedCost: job.EstimatedCost,
		ActualCost:    job.ActualCost,
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.UTC().Format(time.RFC3339),
		StartedAt:     formatTime(job.StartedAt),
		CompletedAt:   formatTime(job.CompletedAt),
		ExpiresAt:     job.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if job.Status == domain.JobStatusCompleted && len(job.Output) > 0 {
		out.Output = json.RawMessage(job.Output)
	}
	return out
}
