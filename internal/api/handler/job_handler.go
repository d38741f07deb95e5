package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/archive-jobs/internal/api/dto"
	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
)

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobID, err := h.queue.AddJob(c.Request.Context(), toAddJobInput(req))
	if err != nil {
		h.respondError(c, err, "Failed to create job")
		return
	}

	h.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.String("queue", req.Queue),
	)
	c.JSON(http.StatusCreated, dto.CreateJobResponse{JobID: jobID})
}

// CreateJobs handles POST /api/v1/jobs/bulk
// All jobs are inserted in one transaction
func (h *JobHandler) CreateJobs(c *gin.Context) {
	var req dto.BulkCreateJobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	inputs := make([]jobqueue.AddJobInput, len(req.Jobs))
	for i, j := range req.Jobs {
		inputs[i] = toAddJobInput(j)
	}

	ids, err := h.queue.AddBulk(c.Request.Context(), inputs)
	if err != nil {
		h.respondError(c, err, "Failed to create jobs")
		return
	}

	h.logger.Info("Jobs created", slog.Int("count", len(ids)))
	c.JSON(http.StatusCreated, dto.BulkCreateJobsResponse{JobIDs: ids})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	job, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.queue.ListJobs(c.Request.Context(), jobqueue.ListFilter{
		Queue:    req.Queue,
		Status:   jobqueue.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list jobs")
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(page.Jobs))}
	for i, job := range page.Jobs {
		resp.Jobs[i] = toJobDTO(job)
	}
	if page.Next != nil {
		resp.NextCursor = EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, resp)
}

// GetStats handles GET /api/v1/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	queue := c.Query("queue")

	stats, err := h.queue.GetStats(c.Request.Context(), queue)
	if err != nil {
		h.respondError(c, err, "Failed to get stats")
		return
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		Queue:       queue,
		Pending:     stats.Pending,
		Processing:  stats.Processing,
		Completed:   stats.Completed,
		Dead:        stats.Dead,
		Retrying:    stats.Retrying,
		DeadLetters: stats.DeadLetters,
		Total:       stats.Total(),
	})
}

// ClearCompleted handles DELETE /api/v1/jobs/completed?older_than=24h
func (h *JobHandler) ClearCompleted(c *gin.Context) {
	olderThan := 24 * time.Hour
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "older_than must be a duration such as 24h",
			})
			return
		}
		olderThan = d
	}

	n, err := h.queue.ClearCompleted(c.Request.Context(), olderThan)
	if err != nil {
		h.respondError(c, err, "Failed to clear completed jobs")
		return
	}

	c.JSON(http.StatusOK, dto.ClearCompletedResponse{Deleted: n})
}
