// Package taskpool runs one CPU-bound task type across a fixed set of
// supervised worker goroutines. Operational failures (timeouts, crashes,
// shutdown) are reported as Result values; only Start returns errors.
package taskpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/iter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTaskTimeout = 60 * time.Second
	DefaultInitTimeout = 10 * time.Second
)

// Capabilities is what a worker's probe discovered about the host.
type Capabilities struct {
	Accelerated bool
}

// ProbeFunc runs once per worker before it accepts tasks.
type ProbeFunc func(ctx context.Context) (Capabilities, error)

// Func is the task executed by workers.
type Func[In, Out any] func(ctx context.Context, caps Capabilities, in In) (Out, error)

// Result carries either a value or an error message.
type Result[Out any] struct {
	Value Out
	Err   string
}

// OK reports whether the task succeeded.
func (r Result[Out]) OK() bool { return r.Err == "" }

func failed[Out any](err error) Result[Out] {
	return Result[Out]{Err: err.Error()}
}

// Config holds pool settings. Zero values select the defaults.
type Config struct {
	// Concurrency is the number of workers and the admission limit.
	// Defaults to runtime.NumCPU()-1, at least 1.
	Concurrency int

	TaskTimeout time.Duration
	InitTimeout time.Duration

	// DisableRestart stops the pool from replacing crashed workers.
	DisableRestart bool

	Logger *slog.Logger
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	// Workers is the number of live workers in rotation.
	Workers int
	// PendingTasks is the number of tasks dispatched and awaiting a result.
	PendingTasks int
	// QueueDepth is the number of callers waiting for admission.
	QueueDepth int
	// QueuePending is the number of admitted calls.
	QueuePending int
}

type pendingTask[In, Out any] struct {
	worker *worker[In, Out]
	result chan Result[Out]
	cancel context.CancelFunc
}

type crashEvent[In, Out any] struct {
	worker *worker[In, Out]
	err    error
}

// Pool dispatches tasks round-robin to its workers.
type Pool[In, Out any] struct {
	logger *slog.Logger
	cfg    Config
	probe  ProbeFunc
	fn     Func[In, Out]

	sem      *semaphore.Weighted
	queued   atomic.Int64
	admitted atomic.Int64
	taskSeq  atomic.Uint64

	mu       sync.Mutex
	started  bool
	closing  bool
	stopping bool
	workers  []*worker[In, Out]
	next     int
	workerID int
	pending  map[uint64]*pendingTask[In, Out]

	crashes        chan crashEvent[In, Out]
	stopCh         chan struct{}
	supervisorDone chan struct{}
}

// New creates a pool. A nil probe reports no capabilities.
func New[In, Out any](cfg Config, probe ProbeFunc, fn Func[In, Out]) *Pool[In, Out] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = max(runtime.NumCPU()-1, 1)
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if probe == nil {
		probe = func(context.Context) (Capabilities, error) { return Capabilities{}, nil }
	}

	return &Pool[In, Out]{
		logger:         cfg.Logger,
		cfg:            cfg,
		probe:          probe,
		fn:             fn,
		sem:            semaphore.NewWeighted(int64(cfg.Concurrency)),
		pending:        make(map[uint64]*pendingTask[In, Out]),
		crashes:        make(chan crashEvent[In, Out]),
		stopCh:         make(chan struct{}),
		supervisorDone: make(chan struct{}),
	}
}

// Start spawns Concurrency workers and waits until every one is ready.
// If any worker fails its probe or misses InitTimeout, the workers already
// started are stopped and the error is returned.
func (p *Pool[In, Out]) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	workers := make([]*worker[In, Out], p.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			w, err := p.spawn(gctx)
			if err != nil {
				return fmt.Errorf("failed to start worker %d: %w", i, err)
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				w.stop()
			}
		}
		p.mu.Lock()
		p.closing, p.stopping = true, true
		p.mu.Unlock()
		close(p.stopCh)
		close(p.supervisorDone)
		return err
	}

	p.mu.Lock()
	p.workers = workers
	p.mu.Unlock()

	go p.supervise()

	accelerated := 0
	for _, w := range workers {
		if w.caps.Accelerated {
			accelerated++
		}
	}
	p.logger.Info("Task pool started",
		slog.Int("workers", len(workers)),
		slog.Int("accelerated", accelerated),
		slog.Duration("task_timeout", p.cfg.TaskTimeout),
	)
	return nil
}

// Execute runs one task and always returns a Result. Waiting for admission
// honours ctx; once dispatched the task is bounded by TaskTimeout.
func (p *Pool[In, Out]) Execute(ctx context.Context, in In) Result[Out] {
	if p.isClosing() {
		return failed[Out](ErrPoolClosed)
	}

	p.queued.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.queued.Add(-1)
	if err != nil {
		return failed[Out](fmt.Errorf("admission canceled: %w", err))
	}
	defer p.sem.Release(1)

	p.admitted.Add(1)
	defer p.admitted.Add(-1)

	if p.isClosing() {
		return failed[Out](ErrPoolClosed)
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	id, result, err := p.dispatch(taskCtx, cancel, in)
	if err != nil {
		return failed[Out](err)
	}

	select {
	case r := <-result:
		return r
	case <-taskCtx.Done():
		reason := ErrTaskTimeout
		if ctx.Err() != nil {
			reason = ctx.Err()
		}
		p.resolve(id, failed[Out](reason))
		// Whichever side removed the pending entry delivered the result.
		return <-result
	}
}

// ExecuteBatch runs every input and returns results in input order.
func (p *Pool[In, Out]) ExecuteBatch(ctx context.Context, inputs []In) []Result[Out] {
	return p.ExecuteBatchWithProgress(ctx, inputs, nil)
}

// ExecuteBatchWithProgress is ExecuteBatch with a callback invoked after each
// task finishes. Calls to onProgress are serialized.
func (p *Pool[In, Out]) ExecuteBatchWithProgress(ctx context.Context, inputs []In, onProgress func(done, total int)) []Result[Out] {
	var (
		mu   sync.Mutex
		done int
	)
	mapper := iter.Mapper[In, Result[Out]]{MaxGoroutines: p.cfg.Concurrency}
	return mapper.Map(inputs, func(in *In) Result[Out] {
		r := p.Execute(ctx, *in)
		if onProgress != nil {
			mu.Lock()
			done++
			onProgress(done, len(inputs))
			mu.Unlock()
		}
		return r
	})
}

// Stats returns current pool counters.
func (p *Pool[In, Out]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:      len(p.workers),
		PendingTasks: len(p.pending),
		QueueDepth:   int(p.queued.Load()),
		QueuePending: int(p.admitted.Load()),
	}
}

// Shutdown stops admitting work, waits for admitted calls to finish, then
// stops every worker and waits for it to exit. If ctx ends before the drain
// completes, outstanding tasks are resolved with ErrPoolClosed.
func (p *Pool[In, Out]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	p.mu.Unlock()

	p.logger.Info("Shutting down task pool")

	drainErr := p.sem.Acquire(ctx, int64(p.cfg.Concurrency))
	if drainErr == nil {
		defer p.sem.Release(int64(p.cfg.Concurrency))
	}

	p.mu.Lock()
	p.stopping = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	close(p.stopCh)
	<-p.supervisorDone

	for _, w := range workers {
		w.signalStop()
	}
	p.failPending(nil, ErrPoolClosed)
	for _, w := range workers {
		<-w.done
	}

	if drainErr != nil {
		p.logger.Warn("Task pool drain interrupted",
			slog.String("error", drainErr.Error()),
		)
		return fmt.Errorf("failed to drain task pool: %w", drainErr)
	}
	p.logger.Info("Task pool stopped")
	return nil
}

func (p *Pool[In, Out]) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// dispatch registers a pending task on the next worker in rotation and
// hands it to that worker's mailbox.
func (p *Pool[In, Out]) dispatch(ctx context.Context, cancel context.CancelFunc, in In) (uint64, chan Result[Out], error) {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return 0, nil, ErrNoWorkers
	}
	w := p.workers[p.next%len(p.workers)]
	p.next++

	id := p.taskSeq.Add(1)
	result := make(chan Result[Out], 1)
	p.pending[id] = &pendingTask[In, Out]{worker: w, result: result, cancel: cancel}
	w.active.Add(1)
	p.mu.Unlock()

	// A worker stuck in fn keeps a full mailbox of expired tasks, so the send
	// must give up with the task's context. Execute then resolves the entry.
	// A worker that exited never drains; its pending tasks are failed by the
	// supervisor.
	select {
	case w.mailbox <- task[In]{id: id, ctx: ctx, input: in}:
	case <-ctx.Done():
	case <-w.done:
	}
	return id, result, nil
}

// resolve delivers r for task id if it is still pending. It reports whether
// this call was the one that resolved it.
func (p *Pool[In, Out]) resolve(id uint64, r Result[Out]) bool {
	p.mu.Lock()
	pt, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	pt.worker.active.Add(-1)
	pt.cancel()
	pt.result <- r
	return true
}

// failPending resolves every pending task owned by w (all tasks when w is nil).
func (p *Pool[In, Out]) failPending(w *worker[In, Out], err error) int {
	p.mu.Lock()
	var ids []uint64
	for id, pt := range p.pending {
		if w == nil || pt.worker == w {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	n := 0
	for _, id := range ids {
		if p.resolve(id, failed[Out](err)) {
			n++
		}
	}
	return n
}

// supervise owns crash handling for the lifetime of the pool.
func (p *Pool[In, Out]) supervise() {
	defer close(p.supervisorDone)
	for {
		select {
		case ev := <-p.crashes:
			p.handleCrash(ev)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool[In, Out]) handleCrash(ev crashEvent[In, Out]) {
	p.mu.Lock()
	for i, w := range p.workers {
		if w == ev.worker {
			p.workers = append(p.workers[:i:i], p.workers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	active := ev.worker.active.Load()
	failedTasks := p.failPending(ev.worker, ev.err)
	p.logger.Error("Worker crashed",
		slog.Int("worker_id", ev.worker.id),
		slog.Int("failed_tasks", failedTasks),
		slog.Int64("active_tasks", active),
		slog.String("error", ev.err.Error()),
	)

	if p.cfg.DisableRestart {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	replacement, err := p.spawn(ctx)
	if err != nil {
		p.logger.Error("Failed to replace crashed worker",
			slog.Int("worker_id", ev.worker.id),
			slog.String("error", err.Error()),
		)
		return
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		replacement.stop()
		return
	}
	p.workers = append(p.workers, replacement)
	p.mu.Unlock()

	p.logger.Info("Worker replaced",
		slog.Int("crashed_worker_id", ev.worker.id),
		slog.Int("worker_id", replacement.id),
	)
}

// reportCrash hands a crash to the supervisor unless the pool is stopping.
func (p *Pool[In, Out]) reportCrash(w *worker[In, Out], err error) {
	select {
	case p.crashes <- crashEvent[In, Out]{worker: w, err: err}:
	case <-p.stopCh:
	}
}

func (p *Pool[In, Out]) nextWorkerID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workerID++
	return p.workerID
}
