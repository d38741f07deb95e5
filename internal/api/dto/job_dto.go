package dto

import "encoding/json"

type CreateJobRequest struct {
	Queue       string          `json:"queue" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	DependsOn   string          `json:"depends_on"`
	MaxAttempts int             `json:"max_attempts" binding:"gte=0"`
	JobID       string          `json:"job_id"`
}

type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

type BulkCreateJobsRequest struct {
	Jobs []CreateJobRequest `json:"jobs" binding:"required,min=1,dive"`
}

type BulkCreateJobsResponse struct {
	JobIDs []string `json:"job_ids"`
}

type ListJobsRequest struct {
	Queue    string `form:"queue"`
	Status   string `form:"status" binding:"omitempty,oneof=pending processing completed dead"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string          `json:"job_id"`
	Queue       string          `json:"queue"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DependsOn   *string         `json:"depends_on,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       *string         `json:"error,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   string          `json:"created_at"`
	StartedAt   *string         `json:"started_at,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	LockedBy    *string         `json:"locked_by,omitempty"`
	LockedAt    *string         `json:"locked_at,omitempty"`
	RetryAfter  *string         `json:"retry_after,omitempty"`
}

type StatsResponse struct {
	Queue       string `json:"queue,omitempty"`
	Pending     int    `json:"pending"`
	Processing  int    `json:"processing"`
	Completed   int    `json:"completed"`
	Dead        int    `json:"dead"`
	Retrying    int    `json:"retrying"`
	DeadLetters int    `json:"dead_letters"`
	Total       int    `json:"total"`
}

type ClearCompletedResponse struct {
	Deleted int64 `json:"deleted"`
}
