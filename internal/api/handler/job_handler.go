package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/toolmeter/internal/api/dto"
	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/jobs"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/tools/:tool_slug/jobs
// Reserves credits and queues a job for the tool
func (h *JobHandler) CreateJob(c *gin.Context) {
	toolSlug := c.Param("tool_slug")

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("tool_slug", toolSlug), slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "request body must be a JSON object with an input field"})
		return
	}

	actor := ActorFrom(c)
	job, err := h.jobs.Submit(c.Request.Context(), toolSlug, req.Input, actor, jobs.SubmitOptions{Priority: req.Priority})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.Header("Location", "/api/v1/jobs/"+job.ID)
	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Polls a job the caller owns
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID, ActorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs, newest first, with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid query parameters"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid cursor", Field: "cursor"})
		return
	}

	page, err := h.jobs.List(c.Request.Context(), ActorFrom(c), jobs.ListFilter{
		ToolSlug: req.ToolSlug,
		Status:   domain.JobStatus(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(page.Jobs))}
	for i := range page.Jobs {
		resp.Jobs[i] = dto.NewJobDTO(&page.Jobs[i])
	}
	if page.NextCursor != nil {
		resp.NextCursor = EncodeJobCursor(page.NextCursor)
	}
	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a PENDING or PROCESSING job and refunds its reservation
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.Cancel(c.Request.Context(), jobID, ActorFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID", Field: "job_id"})
		return "", false
	}
	return jobID, true
}
