package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ReclaimStale returns every processing job whose lock is older than the
// stale-lock timeout to pending and releases its lock. The abandoned claim
// is rolled back rather than counted as a failure, so its attempt increment
// is undone. Returns the number of jobs reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	cutoff := q.clock().Add(-q.staleAfter)

	query := `
		UPDATE jobs
		SET status = ?,
		    locked_by = NULL,
		    locked_at = NULL,
		    attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END
		WHERE status = ?
		  AND locked_at < ?
	`
	res, err := q.db.ExecContext(ctx, q.db.Rebind(query), StatusPending, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n > 0 {
		q.metrics.staleReclaimed.Add(float64(n))
		q.logger.Warn("Reclaimed stale job locks",
			slog.Int64("count", n),
			slog.Duration("stale_after", q.staleAfter),
		)
	}
	return n, nil
}

// GetNext claims the best eligible job in queue: highest priority first, then
// oldest. It returns (nil, nil) when nothing was claimed, either because no
// job is eligible or because another poller won the race for the candidate.
// Callers should simply poll again; nil does not mean the queue is empty.
func (q *Queue) GetNext(ctx context.Context, queue string) (*Job, error) {
	if _, err := q.ReclaimStale(ctx); err != nil {
		return nil, err
	}

	now := q.clock()
	candidates, err := q.selectEligible(ctx, q.db, queue, now, 1)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	job := candidates[0]
	claimed, err := q.claim(ctx, q.db, job, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		q.logger.Debug("Lost claim race",
			slog.String("job_id", job.ID),
			slog.String("queue", queue),
		)
		return nil, nil
	}
	return job, nil
}

// GetNextBatch claims up to limit eligible jobs from queue in one transaction.
// Under contention fewer than limit jobs may be returned.
func (q *Queue) GetNextBatch(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if limit <= 0 {
		return []*Job{}, nil
	}
	if _, err := q.ReclaimStale(ctx); err != nil {
		return nil, err
	}

	now := q.clock()
	claimed := make([]*Job, 0, limit)
	err := q.withTx(ctx, func(tx *sqlx.Tx) error {
		candidates, err := q.selectEligible(ctx, tx, queue, now, limit)
		if err != nil {
			return err
		}
		for _, job := range candidates {
			ok, err := q.claim(ctx, tx, job, now)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// selectEligible returns pending, unlocked jobs of queue whose backoff has
// elapsed and whose parent (if any) is completed, in claim order.
func (q *Queue) selectEligible(ctx context.Context, ext sqlx.ExtContext, queue string, now time.Time, limit int) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns("j.") + `
		FROM jobs j
		LEFT JOIN jobs p ON p.job_id = j.depends_on
		WHERE j.queue = ?
		  AND j.status = ?
		  AND j.locked_by IS NULL
		  AND (j.retry_after IS NULL OR j.retry_after <= ?)
		  AND (j.depends_on IS NULL OR p.status = ?)
		ORDER BY j.priority DESC, j.created_at ASC, j.job_id ASC
		LIMIT ?
	`
	var rows []jobRow
	if err := sqlx.SelectContext(ctx, ext, &rows, ext.Rebind(query),
		queue, StatusPending, now, StatusCompleted, limit,
	); err != nil {
		return nil, fmt.Errorf("failed to select eligible jobs: %w", err)
	}

	jobs := make([]*Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs, nil
}

// claim moves job from pending to processing if it is still pending and
// unlocked. It reports false when another poller got there first. On success
// job is updated in place to reflect the claimed row.
func (q *Queue) claim(ctx context.Context, ext sqlx.ExtContext, job *Job, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET status = ?,
		    locked_by = ?,
		    locked_at = ?,
		    started_at = ?,
		    attempts = attempts + 1
		WHERE job_id = ?
		  AND status = ?
		  AND locked_by IS NULL
	`
	res, err := ext.ExecContext(ctx, ext.Rebind(query),
		StatusProcessing, q.workerID, now, now, job.ID, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	owner := q.workerID
	job.Status = StatusProcessing
	job.Attempts++
	job.LockedBy = &owner
	job.LockedAt = &now
	job.StartedAt = &now

	q.metrics.claimed.WithLabelValues(job.Queue).Inc()
	q.logger.Info("Job claimed",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("worker_id", owner),
		slog.Int("attempts", job.Attempts),
	)
	return true, nil
}
