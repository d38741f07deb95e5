package hashing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
	"github.com/cuongbtq/archive-jobs/internal/taskpool"
	"github.com/cuongbtq/archive-jobs/internal/worker"
)

// QueueName is the job queue served by the hashing handler.
const QueueName = "hash"

// Executor runs hash tasks. *taskpool.Pool[string, string] satisfies it.
type Executor interface {
	Execute(ctx context.Context, path string) taskpool.Result[string]
	ExecuteBatch(ctx context.Context, paths []string) []taskpool.Result[string]
}

// Payload is the job payload of the hash queue. Either Path or Paths is set.
type Payload struct {
	Path  string   `json:"path,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

// FileHash is the content key computed for one file.
type FileHash struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// BatchResult is the job result for a multi-file payload.
type BatchResult struct {
	Files []FileHash `json:"files"`
}

var errEmptyPayload = errors.New("payload has no path")

// NewHandler returns the worker handler for the hash queue. Any failed file
// fails the whole job so that it is retried as a unit.
func NewHandler(pool Executor) worker.Handler {
	return func(ctx context.Context, job *jobqueue.Job) ([]byte, error) {
		var payload Payload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid hash payload: %w", err)
		}

		switch {
		case len(payload.Paths) > 0:
			results := pool.ExecuteBatch(ctx, payload.Paths)
			out := BatchResult{Files: make([]FileHash, 0, len(results))}
			for i, r := range results {
				if !r.OK() {
					return nil, fmt.Errorf("failed to hash %s: %s", payload.Paths[i], r.Err)
				}
				out.Files = append(out.Files, FileHash{Path: payload.Paths[i], Hash: r.Value})
			}
			return json.Marshal(out)

		case payload.Path != "":
			r := pool.Execute(ctx, payload.Path)
			if !r.OK() {
				return nil, fmt.Errorf("failed to hash %s: %s", payload.Path, r.Err)
			}
			return json.Marshal(FileHash{Path: payload.Path, Hash: r.Value})

		default:
			return nil, errEmptyPayload
		}
	}
}
