package taskpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type task[In any] struct {
	id    uint64
	ctx   context.Context
	input In
}

// worker is one execution goroutine with a private mailbox.
type worker[In, Out any] struct {
	id      int
	caps    Capabilities
	mailbox chan task[In]
	quit    chan struct{}
	done    chan struct{}
	active  atomic.Int64

	quitOnce sync.Once
	cancel   context.CancelFunc
}

// signalStop asks the worker to exit after its current task.
func (w *worker[In, Out]) signalStop() {
	w.quitOnce.Do(func() {
		close(w.quit)
		w.cancel()
	})
}

// stop signals the worker and waits for it to exit.
func (w *worker[In, Out]) stop() {
	w.signalStop()
	<-w.done
}

// spawn starts a worker and waits for its probe to finish.
func (p *Pool[In, Out]) spawn(ctx context.Context) (*worker[In, Out], error) {
	workerCtx, cancel := context.WithCancel(context.Background())
	w := &worker[In, Out]{
		id:      p.nextWorkerID(),
		mailbox: make(chan task[In], p.cfg.Concurrency),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	ready := make(chan error, 1)
	go p.run(workerCtx, w, ready)

	timer := time.NewTimer(p.cfg.InitTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			w.stop()
			return nil, err
		}
		p.logger.Debug("Worker ready",
			slog.Int("worker_id", w.id),
			slog.Bool("accelerated", w.caps.Accelerated),
		)
		return w, nil
	case <-timer.C:
		// The probe goroutine is abandoned once its context is canceled.
		w.signalStop()
		return nil, ErrInitTimeout
	case <-ctx.Done():
		w.signalStop()
		return nil, ctx.Err()
	}
}

// run is the worker goroutine: probe, report readiness, then serve the
// mailbox until told to quit. A panic or runtime.Goexit escaping a task is
// reported to the supervisor as a crash.
func (p *Pool[In, Out]) run(ctx context.Context, w *worker[In, Out], ready chan<- error) {
	defer close(w.done)

	caps, err := p.safeProbe(ctx)
	if err != nil {
		ready <- err
		return
	}
	w.caps = caps
	ready <- nil

	clean := false
	defer func() {
		if clean {
			return
		}
		var crashErr error
		if r := recover(); r != nil {
			crashErr = fmt.Errorf("%w: panic: %v", ErrWorkerCrashed, r)
		} else {
			crashErr = fmt.Errorf("%w: worker exited unexpectedly", ErrWorkerCrashed)
		}
		p.reportCrash(w, crashErr)
	}()

	for {
		select {
		case t := <-w.mailbox:
			p.runTask(w, t)
		case <-w.quit:
			clean = true
			return
		}
	}
}

func (p *Pool[In, Out]) runTask(w *worker[In, Out], t task[In]) {
	// Already timed out or resolved by the caller side.
	if t.ctx.Err() != nil {
		return
	}

	out, err := p.fn(t.ctx, w.caps, t.input)
	// Expired while running: Execute reports the timeout or cancellation.
	if t.ctx.Err() != nil {
		return
	}
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "task failed"
		}
		p.resolve(t.id, Result[Out]{Err: msg})
		return
	}
	p.resolve(t.id, Result[Out]{Value: out})
}

func (p *Pool[In, Out]) safeProbe(ctx context.Context) (caps Capabilities, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errProbePanic, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.InitTimeout)
	defer cancel()
	return p.probe(ctx)
}
