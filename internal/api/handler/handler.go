package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
)

// JobQueue is the queue surface exposed over HTTP
type JobQueue interface {
	AddJob(ctx context.Context, input jobqueue.AddJobInput) (string, error)
	AddBulk(ctx context.Context, inputs []jobqueue.AddJobInput) ([]string, error)
	GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error)
	ListJobs(ctx context.Context, filter jobqueue.ListFilter) (*jobqueue.JobPage, error)
	GetStats(ctx context.Context, queue string) (*jobqueue.Stats, error)
	ClearCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
	GetDeadLetterQueue(ctx context.Context, filter jobqueue.DeadLetterFilter) ([]*jobqueue.DeadLetterEntry, error)
	AcknowledgeDeadLetter(ctx context.Context, ids []int64) (int64, error)
	RetryDeadLetter(ctx context.Context, id int64) (string, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Queue       JobQueue
	DB          HealthChecker
	Gatherer    prometheus.Gatherer
	ServiceName string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	queue  JobQueue
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
	}
}

// respondError maps queue errors to HTTP status codes
func (h *JobHandler) respondError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobqueue.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, jobqueue.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobqueue.ErrJobFinalized):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
