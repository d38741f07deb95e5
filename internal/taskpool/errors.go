package taskpool

import "errors"

var (
	// ErrPoolClosed is reported for work submitted after Shutdown began
	ErrPoolClosed = errors.New("task pool is shut down")

	// ErrNoWorkers is reported when no live worker can take the task
	ErrNoWorkers = errors.New("no workers available")

	// ErrTaskTimeout is reported when a task produced no result within TaskTimeout
	ErrTaskTimeout = errors.New("task timed out")

	// ErrWorkerCrashed is reported for tasks pending on a worker that crashed
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrInitTimeout is returned by Start when a worker did not become ready in time
	ErrInitTimeout = errors.New("worker initialization timed out")

	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("task pool already started")

	errProbePanic = errors.New("probe panicked")
)
