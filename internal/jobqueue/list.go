package jobqueue

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Cursor marks the last job of a page in (created_at, job_id) order.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListFilter selects jobs for ListJobs. Empty fields match everything.
type ListFilter struct {
	Queue    string
	Status   Status
	PageSize int
	Cursor   *Cursor
}

// JobPage is one page of ListJobs. Next is nil on the last page.
type JobPage struct {
	Jobs []*Job
	Next *Cursor
}

// ListJobs returns jobs newest first using keyset pagination.
func (q *Queue) ListJobs(ctx context.Context, filter ListFilter) (*JobPage, error) {
	size := filter.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	stmt := q.builder.Select(jobColumns("")).From("jobs")
	if filter.Queue != "" {
		stmt = stmt.Where(sq.Eq{"queue": filter.Queue})
	}
	if filter.Status != "" {
		stmt = stmt.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Cursor != nil {
		stmt = stmt.Where(sq.Expr("(created_at, job_id) < (?, ?)", filter.Cursor.CreatedAt, filter.Cursor.JobID))
	}
	// One extra row tells whether another page exists.
	stmt = stmt.OrderBy("created_at DESC", "job_id DESC").Limit(uint64(size + 1))

	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	var rows []jobRow
	if err := q.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := &JobPage{Jobs: make([]*Job, 0, min(len(rows), size))}
	for i := range rows {
		if i == size {
			last := page.Jobs[size-1]
			page.Next = &Cursor{CreatedAt: last.CreatedAt, JobID: last.ID}
			break
		}
		page.Jobs = append(page.Jobs, rows[i].toJob())
	}
	return page, nil
}
