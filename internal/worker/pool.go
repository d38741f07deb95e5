package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
)

// pollLoop claims jobs for one queue and hands each to its own goroutine.
// A poll that fills every free slot is followed immediately by another,
// paced by the limiter; otherwise the loop waits for the next interval.
func (w *Worker) pollLoop(ctx context.Context, queue string, handler Handler) {
	defer w.wg.Done()

	w.logger.Info("Queue poller started",
		slog.String("queue", queue),
		slog.Duration("poll_interval", w.poll.interval),
	)

	limiter := rate.NewLimiter(rate.Limit(w.poll.maxRate), 1)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Queue poller stopping - context canceled",
				slog.String("queue", queue),
			)
			return
		case <-timer.C:
		}

		if !w.pollOnce(ctx, queue, handler) {
			timer.Reset(w.poll.interval)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			continue
		}
		timer.Reset(0)
	}
}

// pollOnce reserves free execution slots, claims up to that many jobs and
// starts them. It reports whether every reserved slot got a job.
func (w *Worker) pollOnce(ctx context.Context, queue string, handler Handler) bool {
	// Block for the first slot so a busy worker does not spin.
	if err := w.slots.Acquire(ctx, 1); err != nil {
		return false
	}
	reserved := 1
	for reserved < w.concurrency && w.slots.TryAcquire(1) {
		reserved++
	}

	jobs, err := w.queue.GetNextBatch(ctx, queue, reserved)
	if err != nil {
		w.slots.Release(int64(reserved))
		if ctx.Err() == nil {
			w.logger.Error("Failed to claim jobs",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	if unused := reserved - len(jobs); unused > 0 {
		w.slots.Release(int64(unused))
	}

	for _, job := range jobs {
		w.wg.Add(1)
		go func(job *jobqueue.Job) {
			defer w.wg.Done()
			defer w.slots.Release(1)
			w.processJob(ctx, handler, job)
		}(job)
	}

	if len(jobs) > 0 {
		w.logger.Debug("Claimed jobs",
			slog.String("queue", queue),
			slog.Int("claimed", len(jobs)),
			slog.Int("reserved", reserved),
		)
	}
	return len(jobs) == reserved
}
