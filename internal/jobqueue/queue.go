package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Config holds queue settings. Zero values select the defaults.
type Config struct {
	// WorkerID is written to locked_by on claim. Defaults to a random UUID.
	WorkerID string

	// StaleLockTimeout is the age after which a processing claim is reclaimed.
	StaleLockTimeout time.Duration

	// DefaultMaxAttempts applies to jobs enqueued without MaxAttempts.
	DefaultMaxAttempts int

	// Now is the clock used for every timestamp the queue writes or compares.
	Now func() time.Time

	// Metrics receives queue counters. Defaults to an unregistered set.
	Metrics *Metrics
}

// Queue owns the jobs and job_dead_letter tables.
type Queue struct {
	db          *sqlx.DB
	logger      *slog.Logger
	workerID    string
	staleAfter  time.Duration
	maxAttempts int
	now         func() time.Time
	metrics     *Metrics
	builder     sq.StatementBuilderType
}

// New creates a Queue backed by db.
func New(db *sqlx.DB, logger *slog.Logger, cfg Config) *Queue {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.StaleLockTimeout <= 0 {
		cfg.StaleLockTimeout = DefaultStaleLockTimeout
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if sqlx.BindType(db.DriverName()) == sqlx.DOLLAR {
		placeholder = sq.Dollar
	}

	return &Queue{
		db:          db,
		logger:      logger,
		workerID:    cfg.WorkerID,
		staleAfter:  cfg.StaleLockTimeout,
		maxAttempts: cfg.DefaultMaxAttempts,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
		builder:     sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

// WorkerID returns the identity this queue writes to locked_by.
func (q *Queue) WorkerID() string { return q.workerID }

// clock returns the current time in UTC.
func (q *Queue) clock() time.Time { return q.now().UTC() }

// withTx runs fn inside a transaction, committing if fn returns nil.
func (q *Queue) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AddJob enqueues one pending job and returns its ID.
func (q *Queue) AddJob(ctx context.Context, input AddJobInput) (string, error) {
	if err := validateInput(input); err != nil {
		return "", err
	}

	id, err := q.insertJob(ctx, q.db, input, q.clock())
	if err != nil {
		return "", err
	}

	q.metrics.enqueued.WithLabelValues(input.Queue).Inc()
	q.logger.Debug("Job enqueued",
		slog.String("job_id", id),
		slog.String("queue", input.Queue),
		slog.Int("priority", input.Priority),
	)
	return id, nil
}

// AddBulk enqueues all inputs in one transaction and returns their IDs in
// input order. Jobs of equal priority are claimed in input order. Either every
// job is inserted or none is.
func (q *Queue) AddBulk(ctx context.Context, inputs []AddJobInput) ([]string, error) {
	if len(inputs) == 0 {
		return []string{}, nil
	}
	for i, in := range inputs {
		if err := validateInput(in); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
	}

	now := q.clock()
	ids := make([]string, 0, len(inputs))
	err := q.withTx(ctx, func(tx *sqlx.Tx) error {
		for i, in := range inputs {
			// Microsecond steps keep input order as FIFO order at the
			// store's timestamp resolution.
			id, err := q.insertJob(ctx, tx, in, now.Add(time.Duration(i)*time.Microsecond))
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, in := range inputs {
		q.metrics.enqueued.WithLabelValues(in.Queue).Inc()
	}
	q.logger.Debug("Jobs enqueued in bulk", slog.Int("count", len(ids)))
	return ids, nil
}

func (q *Queue) insertJob(ctx context.Context, ext sqlx.ExtContext, in AddJobInput, now time.Time) (string, error) {
	id := in.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.maxAttempts
	}

	query := `
		INSERT INTO jobs (
			job_id, queue, priority, status, payload, depends_on,
			attempts, max_attempts, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err := ext.ExecContext(ctx, ext.Rebind(query),
		id, in.Queue, in.Priority, StatusPending, in.Payload, toNullString(in.DependsOn), maxAttempts, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job %s: %w", id, err)
	}
	return id, nil
}

func validateInput(in AddJobInput) error {
	if in.Queue == "" {
		return fmt.Errorf("%w: queue is required", ErrInvalidInput)
	}
	if in.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidInput)
	}
	if in.JobID != "" && in.DependsOn == in.JobID {
		return fmt.Errorf("%w: job %s cannot depend on itself", ErrInvalidInput, in.JobID)
	}
	return nil
}
