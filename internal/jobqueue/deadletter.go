package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// GetDeadLetterQueue lists dead-letter entries, newest first.
func (q *Queue) GetDeadLetterQueue(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultDeadLetterLimit
	}

	stmt := q.builder.
		Select("id", "job_id", "queue", "payload", "COALESCE(error, '') AS error", "attempts", "failed_at", "acknowledged").
		From("job_dead_letter").
		OrderBy("failed_at DESC", "id DESC").
		Limit(uint64(limit))
	if filter.Queue != "" {
		stmt = stmt.Where(sq.Eq{"queue": filter.Queue})
	}
	if !filter.IncludeAcknowledged {
		stmt = stmt.Where(sq.Eq{"acknowledged": false})
	}

	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build dead letter query: %w", err)
	}

	entries := []*DeadLetterEntry{}
	if err := q.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}

// AcknowledgeDeadLetter marks the given entries as reviewed and returns how
// many were changed.
func (q *Queue) AcknowledgeDeadLetter(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := q.builder.
		Update("job_dead_letter").
		Set("acknowledged", true).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"acknowledged": false}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build acknowledge query: %w", err)
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	q.logger.Info("Dead letters acknowledged", slog.Int64("count", n))
	return n, nil
}

// RetryDeadLetter replays an unacknowledged dead-letter entry as a brand new
// job with zero attempts and acknowledges the entry. The new job keeps the
// original job's priority and attempt ceiling when that row still exists.
// It returns "" when the entry does not exist or was already acknowledged.
func (q *Queue) RetryDeadLetter(ctx context.Context, id int64) (string, error) {
	now := q.clock()

	var (
		newID string
		queue string
	)
	err := q.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE job_dead_letter SET acknowledged = TRUE WHERE id = ? AND acknowledged = FALSE`), id,
		)
		if err != nil {
			return fmt.Errorf("failed to acknowledge dead letter %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		var src struct {
			Queue       string `db:"queue"`
			Payload     []byte `db:"payload"`
			Priority    int    `db:"priority"`
			MaxAttempts int    `db:"max_attempts"`
		}
		lookup := `
			SELECT d.queue, d.payload,
			       COALESCE(j.priority, 0) AS priority,
			       COALESCE(j.max_attempts, 0) AS max_attempts
			FROM job_dead_letter d
			LEFT JOIN jobs j ON j.job_id = d.job_id
			WHERE d.id = ?
		`
		if err := tx.GetContext(ctx, &src, tx.Rebind(lookup), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load dead letter %d: %w", id, err)
		}

		newID, err = q.insertJob(ctx, tx, AddJobInput{
			Queue:       src.Queue,
			Payload:     src.Payload,
			Priority:    src.Priority,
			MaxAttempts: src.MaxAttempts,
		}, now)
		queue = src.Queue
		return err
	})
	if err != nil {
		return "", err
	}
	if newID == "" {
		return "", nil
	}

	q.metrics.enqueued.WithLabelValues(queue).Inc()
	q.logger.Info("Dead letter replayed as new job",
		slog.Int64("dead_letter_id", id),
		slog.String("job_id", newID),
		slog.String("queue", queue),
	)
	return newID, nil
}
