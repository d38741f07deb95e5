package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/archive-jobs/internal/api/dto"
	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
)

// ListDeadLetters handles GET /api/v1/dead-letters
func (h *JobHandler) ListDeadLetters(c *gin.Context) {
	var req dto.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	entries, err := h.queue.GetDeadLetterQueue(c.Request.Context(), jobqueue.DeadLetterFilter{
		Queue:               req.Queue,
		Limit:               req.Limit,
		IncludeAcknowledged: req.IncludeAcknowledged,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list dead letters")
		return
	}

	resp := dto.ListDeadLettersResponse{DeadLetters: make([]dto.DeadLetterDTO, len(entries))}
	for i, e := range entries {
		resp.DeadLetters[i] = toDeadLetterDTO(e)
	}
	c.JSON(http.StatusOK, resp)
}

// AcknowledgeDeadLetters handles POST /api/v1/dead-letters/acknowledge
func (h *JobHandler) AcknowledgeDeadLetters(c *gin.Context) {
	var req dto.AcknowledgeDeadLettersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	n, err := h.queue.AcknowledgeDeadLetter(c.Request.Context(), req.IDs)
	if err != nil {
		h.respondError(c, err, "Failed to acknowledge dead letters")
		return
	}

	h.logger.Info("Dead letters acknowledged",
		slog.Int("requested", len(req.IDs)),
		slog.Int64("acknowledged", n),
	)
	c.JSON(http.StatusOK, dto.AcknowledgeDeadLettersResponse{Acknowledged: n})
}

// RetryDeadLetter handles POST /api/v1/dead-letters/:id/retry
// Replays the entry as a fresh job and acknowledges it
func (h *JobHandler) RetryDeadLetter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "id must be a positive integer",
		})
		return
	}

	jobID, err := h.queue.RetryDeadLetter(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Failed to retry dead letter")
		return
	}
	if jobID == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "dead letter not found or already acknowledged",
		})
		return
	}

	h.logger.Info("Dead letter replayed",
		slog.Int64("dead_letter_id", id),
		slog.String("job_id", jobID),
	)
	c.JSON(http.StatusCreated, dto.RetryDeadLetterResponse{JobID: jobID})
}
