package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
)

const (
	DefaultJobTimeout         = 2 * time.Minute
	DefaultPollInterval       = time.Second
	DefaultMaxPollRate        = 10
	DefaultStaleCheckInterval = time.Minute
)

var (
	// ErrNoHandlers is returned by Start when no queue handler is registered
	ErrNoHandlers = errors.New("no queue handlers registered")

	// ErrAlreadyRunning is returned by Start and Register while the worker runs
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrJobTimeout is reported as the failure of a job that exceeded JobTimeout
	ErrJobTimeout = errors.New("job timed out")

	// ErrHandlerPanic is reported as the failure of a job whose handler panicked
	ErrHandlerPanic = errors.New("handler panicked")
)

// JobQueue is the part of the job queue the worker drives.
type JobQueue interface {
	GetNextBatch(ctx context.Context, queue string, limit int) ([]*jobqueue.Job, error)
	Complete(ctx context.Context, jobID string, result []byte) error
	Fail(ctx context.Context, jobID, errMsg string) (*jobqueue.FailOutcome, error)
	ReclaimStale(ctx context.Context) (int64, error)
	ClearCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Handler executes one job and returns its serialized result.
type Handler func(ctx context.Context, job *jobqueue.Job) ([]byte, error)

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Queue    JobQueue
	Notifier DeadLetterNotifier
	Metrics  *Metrics
	WorkerID string

	// Concurrency is the number of jobs executed at once across all queues.
	Concurrency int
	JobTimeout  time.Duration

	// PollInterval is the wait after a poll that did not fill every free slot.
	PollInterval time.Duration
	// MaxPollRate caps immediate re-polls per queue per second.
	MaxPollRate float64

	StaleCheckInterval time.Duration
	// CleanupInterval and CompletedRetention enable periodic ClearCompleted
	// when both are positive.
	CleanupInterval    time.Duration
	CompletedRetention time.Duration
}

// Worker polls the job queue and executes claimed jobs with registered handlers.
type Worker struct {
	logger      *slog.Logger
	queue       JobQueue
	notifier    DeadLetterNotifier
	metrics     *Metrics
	workerID    string
	concurrency int
	jobTimeout  time.Duration
	poll        pollConfig
	house       housekeepingConfig

	slots *semaphore.Weighted

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

type pollConfig struct {
	interval time.Duration
	maxRate  float64
}

type housekeepingConfig struct {
	staleInterval   time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerID == "" {
		// Log under the identity the queue writes to locked_by.
		if idq, ok := cfg.Queue.(interface{ WorkerID() string }); ok {
			cfg.WorkerID = idq.WorkerID()
		}
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollRate <= 0 {
		cfg.MaxPollRate = DefaultMaxPollRate
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = DefaultStaleCheckInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	return &Worker{
		logger:      cfg.Logger,
		queue:       cfg.Queue,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		workerID:    cfg.WorkerID,
		concurrency: cfg.Concurrency,
		jobTimeout:  cfg.JobTimeout,
		poll: pollConfig{
			interval: cfg.PollInterval,
			maxRate:  cfg.MaxPollRate,
		},
		house: housekeepingConfig{
			staleInterval:   cfg.StaleCheckInterval,
			cleanupInterval: cfg.CleanupInterval,
			retention:       cfg.CompletedRetention,
		},
		slots:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		handlers: make(map[string]Handler),
		stopChan: make(chan struct{}),
	}
}

// Register binds a handler to a queue name. It must be called before Start.
func (w *Worker) Register(queue string, handler Handler) error {
	if queue == "" || handler == nil {
		return fmt.Errorf("queue name and handler are required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}
	w.handlers[queue] = handler
	return nil
}

// Queues returns the registered queue names in sorted order.
func (w *Worker) Queues() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	queues := make([]string, 0, len(w.handlers))
	for q := range w.handlers {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

// Start runs one poller per registered queue plus the housekeeping loop. It
// blocks until ctx is canceled or Stop is called, then waits for in-flight
// jobs to report back.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	handlers := make(map[string]Handler, len(w.handlers))
	for q, h := range w.handlers {
		handlers[q] = h
	}
	w.mu.Unlock()
	defer cancel()

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("queues", w.Queues()),
	)

	for queue, handler := range handlers {
		w.wg.Add(1)
		go w.pollLoop(ctx, queue, handler)
	}
	w.wg.Add(1)
	go w.housekeeping(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
		cancel()
	}

	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}
