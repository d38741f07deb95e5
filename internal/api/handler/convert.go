package handler

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/archive-jobs/internal/api/dto"
	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
)

func toJobDTO(job *jobqueue.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:       job.ID,
		Queue:       job.Queue,
		Priority:    job.Priority,
		Status:      string(job.Status),
		Payload:     rawJSON(job.Payload),
		DependsOn:   job.DependsOn,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Error:       job.Error,
		LastError:   job.LastError,
		Result:      rawJSON(job.Result),
		CreatedAt:   job.CreatedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:   formatTime(job.StartedAt),
		CompletedAt: formatTime(job.CompletedAt),
		LockedBy:    job.LockedBy,
		LockedAt:    formatTime(job.LockedAt),
		RetryAfter:  formatTime(job.RetryAfter),
	}
}

func toDeadLetterDTO(e *jobqueue.DeadLetterEntry) dto.DeadLetterDTO {
	return dto.DeadLetterDTO{
		ID:           e.ID,
		JobID:        e.JobID,
		Queue:        e.Queue,
		Payload:      rawJSON(e.Payload),
		Error:        e.Error,
		Attempts:     e.Attempts,
		FailedAt:     e.FailedAt.UTC().Format(time.RFC3339Nano),
		Acknowledged: e.Acknowledged,
	}
}

func toAddJobInput(req dto.CreateJobRequest) jobqueue.AddJobInput {
	var payload []byte
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		payload = req.Payload
	}
	return jobqueue.AddJobInput{
		Queue:       req.Queue,
		Payload:     payload,
		Priority:    req.Priority,
		DependsOn:   req.DependsOn,
		MaxAttempts: req.MaxAttempts,
		JobID:       req.JobID,
	}
}

// rawJSON passes JSON bytes through and encodes anything else as a base64 string.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	encoded, _ := json.Marshal(b)
	return encoded
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
