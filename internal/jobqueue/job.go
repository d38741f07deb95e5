// Package jobqueue implements a durable, crash-recoverable job queue on top of
// a transactional SQL store.
//
// The queue has no scheduling goroutine of its own. Any number of pollers,
// in this process or others sharing the database, call GetNext or
// GetNextBatch and report back with Complete or Fail. Coordination between
// pollers happens only through conditional UPDATE statements that re-check
// status and locked_by and branch on the affected-row count.
//
// A job may depend on at most one parent job and stays invisible to claims
// until that parent is completed.
package jobqueue

import (
	"database/sql"
	"strings"
	"time"
)

// Status is the persisted lifecycle state of a job. A transient failure is
// stored as StatusPending with a future RetryAfter, not as a separate state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDead       Status = "dead"
)

// IsTerminal reports whether no further transition is expected from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDead
}

const (
	// DefaultMaxAttempts is the attempt ceiling used when a job does not set one.
	DefaultMaxAttempts = 3

	// DefaultStaleLockTimeout is how long a claim may stay in processing before
	// it is presumed abandoned and returned to pending.
	DefaultStaleLockTimeout = 5 * time.Minute

	// DefaultDeadLetterLimit bounds GetDeadLetterQueue when no limit is given.
	DefaultDeadLetterLimit = 100
)

// Job is one unit of deferred work. Payload and Result are opaque to the queue.
type Job struct {
	ID          string
	Queue       string
	Priority    int
	Status      Status
	Payload     []byte
	DependsOn   *string
	Attempts    int
	MaxAttempts int
	Error       *string
	LastError   *string
	Result      []byte
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LockedBy    *string
	LockedAt    *time.Time
	RetryAfter  *time.Time
}

// AddJobInput describes a job to enqueue. JobID may be supplied by the caller
// so that jobs created in the same AddBulk call can reference each other
// through DependsOn.
type AddJobInput struct {
	Queue       string
	Payload     []byte
	Priority    int
	DependsOn   string
	MaxAttempts int
	JobID       string
}

// FailOutcome reports what Fail did with a job.
type FailOutcome struct {
	JobID             string
	Queue             string
	MovedToDeadLetter bool
	DeadLetterID      int64
	Attempts          int
	MaxAttempts       int
	// Delay and RetryAfter are set only when the job was scheduled for retry.
	Delay      time.Duration
	RetryAfter *time.Time
	// Payload is the original job payload, returned so callers can build a
	// notification about the dead-lettered job.
	Payload []byte
	Error   string
}

// DeadLetterEntry is the terminal record of a job that exhausted its attempts.
type DeadLetterEntry struct {
	ID           int64     `db:"id"`
	JobID        string    `db:"job_id"`
	Queue        string    `db:"queue"`
	Payload      []byte    `db:"payload"`
	Error        string    `db:"error"`
	Attempts     int       `db:"attempts"`
	FailedAt     time.Time `db:"failed_at"`
	Acknowledged bool      `db:"acknowledged"`
}

// DeadLetterFilter selects entries for GetDeadLetterQueue. An empty Queue
// matches every queue.
type DeadLetterFilter struct {
	Queue               string
	Limit               int
	IncludeAcknowledged bool
}

// Stats holds per-status job counts. Retrying counts pending jobs whose
// backoff has not elapsed yet; DeadLetters counts unacknowledged entries.
type Stats struct {
	Pending     int
	Processing  int
	Completed   int
	Dead        int
	Retrying    int
	DeadLetters int
}

// Total returns the number of job rows across all statuses.
func (s *Stats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Dead
}

// jobRow mirrors the jobs table for sqlx scanning.
type jobRow struct {
	JobID       string         `db:"job_id"`
	Queue       string         `db:"queue"`
	Priority    int            `db:"priority"`
	Status      string         `db:"status"`
	Payload     []byte         `db:"payload"`
	DependsOn   sql.NullString `db:"depends_on"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	Error       sql.NullString `db:"error"`
	LastError   sql.NullString `db:"last_error"`
	Result      []byte         `db:"result"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	LockedBy    sql.NullString `db:"locked_by"`
	LockedAt    sql.NullTime   `db:"locked_at"`
	RetryAfter  sql.NullTime   `db:"retry_after"`
}

func (r *jobRow) toJob() *Job {
	return &Job{
		ID:          r.JobID,
		Queue:       r.Queue,
		Priority:    r.Priority,
		Status:      Status(r.Status),
		Payload:     r.Payload,
		DependsOn:   nullString(r.DependsOn),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Error:       nullString(r.Error),
		LastError:   nullString(r.LastError),
		Result:      r.Result,
		CreatedAt:   r.CreatedAt,
		StartedAt:   nullTime(r.StartedAt),
		CompletedAt: nullTime(r.CompletedAt),
		LockedBy:    nullString(r.LockedBy),
		LockedAt:    nullTime(r.LockedAt),
		RetryAfter:  nullTime(r.RetryAfter),
	}
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jobColumns lists the jobs columns in jobRow order. prefix qualifies each
// column for joins ("j." -> "j.job_id").
func jobColumns(prefix string) string {
	cols := []string{
		"job_id", "queue", "priority", "status", "payload", "depends_on",
		"attempts", "max_attempts", "error", "last_error", "result",
		"created_at", "started_at", "completed_at", "locked_by", "locked_at", "retry_after",
	}
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}
