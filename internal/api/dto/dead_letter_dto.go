package dto

import "encoding/json"

type ListDeadLettersRequest struct {
	Queue               string `form:"queue"`
	Limit               int    `form:"limit" binding:"gte=0"`
	IncludeAcknowledged bool   `form:"include_acknowledged"`
}

type DeadLetterDTO struct {
	ID           int64           `json:"id"`
	JobID        string          `json:"job_id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error"`
	Attempts     int             `json:"attempts"`
	FailedAt     string          `json:"failed_at"`
	Acknowledged bool            `json:"acknowledged"`
}

type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterDTO `json:"dead_letters"`
}

type AcknowledgeDeadLettersRequest struct {
	IDs []int64 `json:"ids" binding:"required,min=1"`
}

type AcknowledgeDeadLettersResponse struct {
	Acknowledged int64 `json:"acknowledged"`
}

type RetryDeadLetterResponse struct {
	JobID string `json:"job_id"`
}
