package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
)

// processJob runs a claimed job and reports the outcome to the queue.
// Execution and reporting are detached from ctx so that a shutdown lets
// in-flight jobs finish within JobTimeout.
func (w *Worker) processJob(ctx context.Context, handler Handler, job *jobqueue.Job) {
	baseCtx := context.WithoutCancel(ctx)

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	jobCtx, cancel := context.WithTimeout(baseCtx, w.jobTimeout)
	defer cancel()

	started := time.Now()
	result, err := w.executeJob(jobCtx, handler, job)
	elapsed := time.Since(started)

	if err == nil {
		w.metrics.observe(job.Queue, outcomeCompleted, elapsed)
		if updateErr := w.queue.Complete(baseCtx, job.ID, result); updateErr != nil {
			w.logger.Error("Failed to mark job completed",
				slog.String("job_id", job.ID),
				slog.String("error", updateErr.Error()),
			)
			return
		}
		w.logger.Info("Job completed successfully",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Queue),
			slog.Duration("duration", elapsed),
		)
		return
	}

	w.logger.Error("Job execution failed",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.Duration("duration", elapsed),
		slog.String("error", err.Error()),
	)

	outcome, failErr := w.queue.Fail(baseCtx, job.ID, err.Error())
	if failErr != nil {
		w.metrics.observe(job.Queue, outcomeFailed, elapsed)
		w.logger.Error("Failed to record job failure",
			slog.String("job_id", job.ID),
			slog.String("error", failErr.Error()),
		)
		return
	}

	if !outcome.MovedToDeadLetter {
		w.metrics.observe(job.Queue, outcomeRetried, elapsed)
		return
	}
	w.metrics.observe(job.Queue, outcomeDeadLettered, elapsed)

	if w.notifier == nil {
		return
	}
	notice := DeadLetter{
		DeadLetterID: outcome.DeadLetterID,
		JobID:        outcome.JobID,
		Queue:        outcome.Queue,
		Payload:      outcome.Payload,
		Error:        outcome.Error,
		Attempts:     outcome.Attempts,
		FailedAt:     time.Now().UTC(),
	}
	if notifyErr := w.notifier.NotifyDeadLetter(baseCtx, notice); notifyErr != nil {
		w.logger.Warn("Failed to send dead letter notification",
			slog.String("job_id", job.ID),
			slog.String("error", notifyErr.Error()),
		)
	}
}

// executeJob runs handler in its own goroutine so that a handler ignoring
// ctx still yields a timeout. Panics become errors.
func (w *Worker) executeJob(ctx context.Context, handler Handler, job *jobqueue.Job) ([]byte, error) {
	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Job handler panicked",
					slog.String("job_id", job.ID),
					slog.Any("panic", r),
				)
				done <- outcome{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		result, err := handler(ctx, job)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrJobTimeout, w.jobTimeout, out.err)
		}
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrJobTimeout, w.jobTimeout)
	}
}
