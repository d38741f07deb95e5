package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Complete marks a job completed, stores result and releases its lock.
// Calling it again rewrites the same terminal state.
func (q *Queue) Complete(ctx context.Context, jobID string, result []byte) error {
	now := q.clock()

	query := `
		UPDATE jobs
		SET status = ?,
		    result = ?,
		    error = NULL,
		    completed_at = ?,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE job_id = ?
		RETURNING queue
	`
	var queue string
	if err := q.db.QueryRowxContext(ctx, q.db.Rebind(query), StatusCompleted, result, now, jobID).Scan(&queue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}

	q.metrics.completed.WithLabelValues(queue).Inc()
	q.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("queue", queue),
	)
	return nil
}

// Fail records a failed attempt. Below the attempt ceiling the job goes back
// to pending with retry_after = now + Backoff(attempts). At the ceiling the
// job becomes dead and exactly one dead-letter entry is written in the same
// transaction.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) (*FailOutcome, error) {
	now := q.clock()

	var outcome *FailOutcome
	err := q.withTx(ctx, func(tx *sqlx.Tx) error {
		var row jobRow
		if err := tx.GetContext(ctx, &row,
			tx.Rebind(`SELECT `+jobColumns("")+` FROM jobs WHERE job_id = ?`), jobID,
		); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("failed to load job %s: %w", jobID, err)
		}
		if Status(row.Status).IsTerminal() {
			return ErrJobFinalized
		}

		outcome = &FailOutcome{
			JobID:       row.JobID,
			Queue:       row.Queue,
			Attempts:    row.Attempts,
			MaxAttempts: row.MaxAttempts,
			Payload:     row.Payload,
			Error:       errMsg,
		}

		if row.Attempts >= row.MaxAttempts {
			id, err := q.moveToDeadLetter(ctx, tx, &row, errMsg)
			if err != nil {
				return err
			}
			outcome.MovedToDeadLetter = true
			outcome.DeadLetterID = id
			return nil
		}

		delay := Backoff(row.Attempts)
		retryAfter := now.Add(delay)
		query := `
			UPDATE jobs
			SET status = ?,
			    error = NULL,
			    last_error = ?,
			    retry_after = ?,
			    locked_by = NULL,
			    locked_at = NULL
			WHERE job_id = ?
			  AND status NOT IN (?, ?)
		`
		res, err := tx.ExecContext(ctx, tx.Rebind(query),
			StatusPending, errMsg, retryAfter, jobID, StatusCompleted, StatusDead,
		)
		if err != nil {
			return fmt.Errorf("failed to schedule retry for job %s: %w", jobID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return ErrJobFinalized
		}

		outcome.Delay = delay
		outcome.RetryAfter = &retryAfter
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.MovedToDeadLetter {
		q.metrics.deadLettered.WithLabelValues(outcome.Queue).Inc()
		q.logger.Error("Job moved to dead letter queue",
			slog.String("job_id", jobID),
			slog.String("queue", outcome.Queue),
			slog.Int("attempts", outcome.Attempts),
			slog.String("error", errMsg),
		)
	} else {
		q.metrics.retried.WithLabelValues(outcome.Queue).Inc()
		q.logger.Warn("Job failed, retry scheduled",
			slog.String("job_id", jobID),
			slog.String("queue", outcome.Queue),
			slog.Int("attempts", outcome.Attempts),
			slog.Int("max_attempts", outcome.MaxAttempts),
			slog.Duration("delay", outcome.Delay),
			slog.String("error", errMsg),
		)
	}
	return outcome, nil
}

// moveToDeadLetter transitions row to dead and inserts its dead-letter entry.
// The insert only runs when this transaction performed the transition.
func (q *Queue) moveToDeadLetter(ctx context.Context, tx *sqlx.Tx, row *jobRow, errMsg string) (int64, error) {
	now := q.clock()

	query := `
		UPDATE jobs
		SET status = ?,
		    error = ?,
		    last_error = ?,
		    completed_at = ?,
		    locked_by = NULL,
		    locked_at = NULL
		WHERE job_id = ?
		  AND status NOT IN (?, ?)
	`
	res, err := tx.ExecContext(ctx, tx.Rebind(query),
		StatusDead, errMsg, errMsg, now, row.JobID, StatusCompleted, StatusDead,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark job %s dead: %w", row.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrJobFinalized
	}

	var id int64
	insert := `
		INSERT INTO job_dead_letter (job_id, queue, payload, error, attempts, failed_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, FALSE)
		RETURNING id
	`
	if err := tx.QueryRowxContext(ctx, tx.Rebind(insert),
		row.JobID, row.Queue, row.Payload, errMsg, row.Attempts, now,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert dead letter for job %s: %w", row.JobID, err)
	}
	return id, nil
}
