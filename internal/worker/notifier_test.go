package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	body        []byte
	contentType string
	err         error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	p.body = body
	p.contentType = contentType
	return p.err
}

func TestRabbitNotifier(t *testing.T) {
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name    string
		payload []byte
		want    map[string]any
	}{
		{
			name:    "json payload embedded",
			payload: []byte(`{"path":"/a.jpg"}`),
			want:    map[string]any{"payload": map[string]any{"path": "/a.jpg"}},
		},
		{
			name:    "binary payload base64",
			payload: []byte{0xff, 0x00},
			want:    map[string]any{"payload_base64": "/wA="},
		},
		{
			name:    "empty payload omitted",
			payload: nil,
			want:    map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			n := NewRabbitNotifier(pub, quiet)

			err := n.NotifyDeadLetter(context.Background(), DeadLetter{
				DeadLetterID: 7,
				JobID:        "job-1",
				Queue:        "hash",
				Payload:      tt.payload,
				Error:        "boom",
				Attempts:     3,
				FailedAt:     failedAt,
			})
			require.NoError(t, err)
			assert.Equal(t, "application/json", pub.contentType)

			var got map[string]any
			require.NoError(t, json.Unmarshal(pub.body, &got))
			assert.Equal(t, "job.dead_lettered", got["event"])
			assert.Equal(t, "job-1", got["job_id"])
			assert.Equal(t, "hash", got["queue"])
			assert.Equal(t, "boom", got["error"])
			assert.Equal(t, float64(3), got["attempts"])
			assert.Equal(t, float64(7), got["dead_letter_id"])
			assert.Equal(t, "2026-03-01T12:00:00Z", got["failed_at"])
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}
			if len(tt.payload) == 0 {
				assert.NotContains(t, got, "payload")
				assert.NotContains(t, got, "payload_base64")
			}
		})
	}
}

func TestRabbitNotifier_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	n := NewRabbitNotifier(pub, nil)

	err := n.NotifyDeadLetter(context.Background(), DeadLetter{JobID: "j"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}
