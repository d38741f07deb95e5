package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// GetJob returns the job with the given ID or ErrJobNotFound.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns("") + ` FROM jobs WHERE job_id = ?`
	if err := q.db.GetContext(ctx, &row, q.db.Rebind(query), jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return row.toJob(), nil
}

// GetStats counts jobs per status, for one queue or for all when queue is "".
func (q *Queue) GetStats(ctx context.Context, queue string) (*Stats, error) {
	now := q.clock()

	byStatus := q.builder.Select("status", "COUNT(*) AS n").From("jobs").GroupBy("status")
	retrying := q.builder.Select("COUNT(*)").From("jobs").
		Where(sq.Eq{"status": StatusPending}).
		Where(sq.Gt{"retry_after": now})
	deadLetters := q.builder.Select("COUNT(*)").From("job_dead_letter").
		Where(sq.Eq{"acknowledged": false})
	if queue != "" {
		byStatus = byStatus.Where(sq.Eq{"queue": queue})
		retrying = retrying.Where(sq.Eq{"queue": queue})
		deadLetters = deadLetters.Where(sq.Eq{"queue": queue})
	}

	query, args, err := byStatus.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build stats query: %w", err)
	}
	var counts []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := q.db.SelectContext(ctx, &counts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := &Stats{}
	for _, c := range counts {
		switch Status(c.Status) {
		case StatusPending:
			stats.Pending = c.N
		case StatusProcessing:
			stats.Processing = c.N
		case StatusCompleted:
			stats.Completed = c.N
		case StatusDead:
			stats.Dead = c.N
		}
	}

	if stats.Retrying, err = q.count(ctx, retrying); err != nil {
		return nil, fmt.Errorf("failed to count retrying jobs: %w", err)
	}
	if stats.DeadLetters, err = q.count(ctx, deadLetters); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return stats, nil
}

func (q *Queue) count(ctx context.Context, stmt sq.SelectBuilder) (int, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// ClearCompleted deletes completed jobs that finished more than olderThan ago
// and returns how many were removed. A completed job that is still the parent
// of a pending or processing job is kept, since its children would otherwise
// never become eligible.
func (q *Queue) ClearCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: retention must not be negative", ErrInvalidInput)
	}
	cutoff := q.clock().Add(-olderThan)

	query := `
		DELETE FROM jobs
		WHERE status = ?
		  AND completed_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs c
		      WHERE c.depends_on = jobs.job_id
		        AND c.status IN (?, ?)
		  )
	`
	res, err := q.db.ExecContext(ctx, q.db.Rebind(query),
		StatusCompleted, cutoff, StatusPending, StatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n > 0 {
		q.logger.Info("Cleared completed jobs",
			slog.Int64("count", n),
			slog.Duration("older_than", olderThan),
		)
	}
	return n, nil
}
