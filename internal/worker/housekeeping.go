package worker

import (
	"context"
	"log/slog"
	"time"
)

// housekeeping periodically reclaims stale locks and purges old completed jobs.
func (w *Worker) housekeeping(ctx context.Context) {
	defer w.wg.Done()

	stale := time.NewTicker(w.house.staleInterval)
	defer stale.Stop()

	var cleanup <-chan time.Time
	if w.house.cleanupInterval > 0 && w.house.retention > 0 {
		t := time.NewTicker(w.house.cleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-stale.C:
			if _, err := w.queue.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Failed to reclaim stale jobs",
					slog.String("error", err.Error()),
				)
			}

		case <-cleanup:
			n, err := w.queue.ClearCompleted(ctx, w.house.retention)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("Failed to clear completed jobs",
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			if n > 0 {
				w.logger.Info("Cleared completed jobs",
					slog.Int64("deleted", n),
					slog.Duration("older_than", w.house.retention),
				)
			}
		}
	}
}
