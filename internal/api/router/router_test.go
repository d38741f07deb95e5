package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/archive-jobs/internal/api/handler"
	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
)

type fakeQueue struct {
	added      []jobqueue.AddJobInput
	bulk       []jobqueue.AddJobInput
	jobs       map[string]*jobqueue.Job
	page       *jobqueue.JobPage
	listFilter jobqueue.ListFilter
	stats      *jobqueue.Stats
	cleared    time.Duration
	dlqFilter  jobqueue.DeadLetterFilter
	dlq        []*jobqueue.DeadLetterEntry
	acked      []int64
	retryID    string
	err        error
}

func (f *fakeQueue) AddJob(_ context.Context, in jobqueue.AddJobInput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.added = append(f.added, in)
	if in.JobID != "" {
		return in.JobID, nil
	}
	return "generated-id", nil
}

func (f *fakeQueue) AddBulk(_ context.Context, in []jobqueue.AddJobInput) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bulk = in
	ids := make([]string, len(in))
	for i := range in {
		ids[i] = fmt.Sprintf("bulk-%d", i)
	}
	return ids, nil
}

func (f *fakeQueue) GetJob(_ context.Context, id string) (*jobqueue.Job, error) {
	if job, ok := f.jobs[id]; ok {
		return job, nil
	}
	return nil, jobqueue.ErrJobNotFound
}

func (f *fakeQueue) ListJobs(_ context.Context, filter jobqueue.ListFilter) (*jobqueue.JobPage, error) {
	f.listFilter = filter
	if f.page == nil {
		return &jobqueue.JobPage{}, nil
	}
	return f.page, nil
}

func (f *fakeQueue) GetStats(context.Context, string) (*jobqueue.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

func (f *fakeQueue) ClearCompleted(_ context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: retention must not be negative", jobqueue.ErrInvalidInput)
	}
	f.cleared = olderThan
	return 4, nil
}

func (f *fakeQueue) GetDeadLetterQueue(_ context.Context, filter jobqueue.DeadLetterFilter) ([]*jobqueue.DeadLetterEntry, error) {
	f.dlqFilter = filter
	return f.dlq, nil
}

func (f *fakeQueue) AcknowledgeDeadLetter(_ context.Context, ids []int64) (int64, error) {
	f.acked = ids
	return int64(len(ids)), nil
}

func (f *fakeQueue) RetryDeadLetter(context.Context, int64) (string, error) {
	return f.retryID, f.err
}

type fakeDB struct{ err error }

func (d fakeDB) HealthCheck(context.Context) error { return d.err }

func newTestRouter(q *fakeQueue, db handler.HealthChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(&handler.Dependencies{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Queue:    q,
		DB:       db,
		Gatherer: prometheus.NewRegistry(),
	})
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         handler.HealthChecker
		wantStatus int
		want       string
	}{
		{name: "healthy", db: fakeDB{}, wantStatus: http.StatusOK, want: "healthy"},
		{name: "no db configured", db: nil, wantStatus: http.StatusOK, want: "healthy"},
		{name: "db down", db: fakeDB{err: errors.New("refused")}, wantStatus: http.StatusServiceUnavailable, want: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newTestRouter(&fakeQueue{}, tt.db), http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.want, decode(t, w)["status"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w := do(newTestRouter(&fakeQueue{}, nil), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		queueErr   error
		wantStatus int
		wantID     string
	}{
		{
			name:       "valid job",
			body:       `{"queue":"hash","payload":{"path":"/a.jpg"},"priority":5,"max_attempts":4}`,
			wantStatus: http.StatusCreated,
			wantID:     "generated-id",
		},
		{
			name:       "caller supplied id",
			body:       `{"queue":"hash","job_id":"mine"}`,
			wantStatus: http.StatusCreated,
			wantID:     "mine",
		},
		{
			name:       "missing queue",
			body:       `{"payload":{}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative max attempts",
			body:       `{"queue":"hash","max_attempts":-1}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"queue":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "queue rejects input",
			body:       `{"queue":"hash","job_id":"a","depends_on":"a"}`,
			queueErr:   fmt.Errorf("%w: job cannot depend on itself", jobqueue.ErrInvalidInput),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store failure",
			body:       `{"queue":"hash"}`,
			queueErr:   errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{err: tt.queueErr}
			w := do(newTestRouter(q, nil), http.MethodPost, "/api/v1/jobs", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, decode(t, w)["job_id"])
			}
			if tt.wantStatus == http.StatusInternalServerError {
				assert.NotContains(t, w.Body.String(), "connection reset")
			}
		})
	}

	t.Run("payload passed as raw bytes", func(t *testing.T) {
		q := &fakeQueue{}
		w := do(newTestRouter(q, nil), http.MethodPost, "/api/v1/jobs",
			`{"queue":"hash","payload":{"path":"/a.jpg"},"priority":5,"depends_on":"p1"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		require.Len(t, q.added, 1)
		assert.JSONEq(t, `{"path":"/a.jpg"}`, string(q.added[0].Payload))
		assert.Equal(t, 5, q.added[0].Priority)
		assert.Equal(t, "p1", q.added[0].DependsOn)
	})
}

func TestCreateJobs(t *testing.T) {
	q := &fakeQueue{}
	r := newTestRouter(q, nil)

	w := do(r, http.MethodPost, "/api/v1/jobs/bulk",
		`{"jobs":[{"queue":"meta","job_id":"p"},{"queue":"hash","depends_on":"p"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []any{"bulk-0", "bulk-1"}, decode(t, w)["job_ids"])
	require.Len(t, q.bulk, 2)
	assert.Equal(t, "p", q.bulk[1].DependsOn)

	w = do(r, http.MethodPost, "/api/v1/jobs/bulk", `{"jobs":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/v1/jobs/bulk", `{"jobs":[{"priority":1}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lastErr := "timeout"
	q := &fakeQueue{jobs: map[string]*jobqueue.Job{
		"j1": {
			ID:          "j1",
			Queue:       "hash",
			Status:      jobqueue.StatusPending,
			Payload:     []byte(`{"path":"/a"}`),
			Result:      []byte{0x01, 0x02},
			Attempts:    1,
			MaxAttempts: 3,
			LastError:   &lastErr,
			CreatedAt:   created,
		},
	}}
	r := newTestRouter(q, nil)

	w := do(r, http.MethodGet, "/api/v1/jobs/j1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "j1", body["job_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, map[string]any{"path": "/a"}, body["payload"])
	assert.Equal(t, "AQI=", body["result"])
	assert.Equal(t, "timeout", body["last_error"])
	assert.Equal(t, "2026-01-01T00:00:00Z", body["created_at"])
	assert.NotContains(t, body, "locked_by")

	w = do(r, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	next := &jobqueue.Cursor{CreatedAt: time.Unix(100, 0), JobID: "j2"}
	q := &fakeQueue{page: &jobqueue.JobPage{
		Jobs: []*jobqueue.Job{{ID: "j3", Queue: "hash", Status: jobqueue.StatusDead}},
		Next: next,
	}}
	r := newTestRouter(q, nil)

	w := do(r, http.MethodGet, "/api/v1/jobs?queue=hash&status=dead&page_size=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Len(t, body["jobs"], 1)
	assert.Equal(t, handler.EncodeJobCursor(next), body["next_cursor"])
	assert.Equal(t, jobqueue.ListFilter{Queue: "hash", Status: jobqueue.StatusDead, PageSize: 1}, q.listFilter)

	w = do(r, http.MethodGet, "/api/v1/jobs?cursor="+handler.EncodeJobCursor(next), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, q.listFilter.Cursor)
	assert.Equal(t, "j2", q.listFilter.Cursor.JobID)

	w = do(r, http.MethodGet, "/api/v1/jobs?cursor=***", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/jobs?status=failed", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStats(t *testing.T) {
	q := &fakeQueue{stats: &jobqueue.Stats{Pending: 2, Processing: 1, Completed: 5, Dead: 1, Retrying: 1, DeadLetters: 1}}
	w := do(newTestRouter(q, nil), http.MethodGet, "/api/v1/stats?queue=hash", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "hash", body["queue"])
	assert.Equal(t, float64(2), body["pending"])
	assert.Equal(t, float64(9), body["total"])
	assert.Equal(t, float64(1), body["dead_letters"])
}

func TestClearCompleted(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantAge    time.Duration
	}{
		{name: "default retention", query: "", wantStatus: http.StatusOK, wantAge: 24 * time.Hour},
		{name: "explicit retention", query: "?older_than=90m", wantStatus: http.StatusOK, wantAge: 90 * time.Minute},
		{name: "bad duration", query: "?older_than=soon", wantStatus: http.StatusBadRequest},
		{name: "negative duration", query: "?older_than=-1h", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			w := do(newTestRouter(q, nil), http.MethodDelete, "/api/v1/jobs/completed"+tt.query, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantAge, q.cleared)
				assert.Equal(t, float64(4), decode(t, w)["deleted"])
			}
		})
	}
}

func TestDeadLetters(t *testing.T) {
	failedAt := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	q := &fakeQueue{dlq: []*jobqueue.DeadLetterEntry{
		{ID: 3, JobID: "j1", Queue: "hash", Payload: []byte(`{"path":"/x"}`), Error: "boom", Attempts: 3, FailedAt: failedAt},
	}}
	r := newTestRouter(q, nil)

	t.Run("list", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/v1/dead-letters?queue=hash&limit=5&include_acknowledged=true", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, jobqueue.DeadLetterFilter{Queue: "hash", Limit: 5, IncludeAcknowledged: true}, q.dlqFilter)

		entries := decode(t, w)["dead_letters"].([]any)
		require.Len(t, entries, 1)
		entry := entries[0].(map[string]any)
		assert.Equal(t, float64(3), entry["id"])
		assert.Equal(t, "boom", entry["error"])
		assert.Equal(t, "2026-02-02T02:02:02Z", entry["failed_at"])
	})

	t.Run("acknowledge", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/dead-letters/acknowledge", `{"ids":[1,2]}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []int64{1, 2}, q.acked)
		assert.Equal(t, float64(2), decode(t, w)["acknowledged"])

		w = do(r, http.MethodPost, "/api/v1/dead-letters/acknowledge", `{"ids":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("retry", func(t *testing.T) {
		q.retryID = "replayed"
		w := do(r, http.MethodPost, "/api/v1/dead-letters/3/retry", "")
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "replayed", decode(t, w)["job_id"])

		q.retryID = ""
		w = do(r, http.MethodPost, "/api/v1/dead-letters/3/retry", "")
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = do(r, http.MethodPost, "/api/v1/dead-letters/abc/retry", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCORSPreflight(t *testing.T) {
	w := do(newTestRouter(&fakeQueue{}, nil), http.MethodOptions, "/api/v1/jobs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRespondErrorConflict(t *testing.T) {
	q := &fakeQueue{jobs: map[string]*jobqueue.Job{}, err: jobqueue.ErrJobFinalized}
	w := do(newTestRouter(q, nil), http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
