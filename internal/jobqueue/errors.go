package jobqueue

import "errors"

var (
	// ErrJobNotFound is returned when no job row has the requested ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinalized is returned by Fail when the job is already completed or dead.
	ErrJobFinalized = errors.New("job already completed or dead")

	// ErrInvalidInput is returned when an operation is called with arguments
	// that can never succeed, before the store is touched.
	ErrInvalidInput = errors.New("invalid input")
)
