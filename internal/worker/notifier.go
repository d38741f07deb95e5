package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DeadLetter describes a job that exhausted its attempts.
type DeadLetter struct {
	DeadLetterID int64
	JobID        string
	Queue        string
	Payload      []byte
	Error        string
	Attempts     int
	FailedAt     time.Time
}

// DeadLetterNotifier is told about every job the worker moves to the dead letter queue.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Publisher sends a message body to a broker. *rabbitmq.Client satisfies it.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// deadLetterMessage is the JSON notification body. JSON payloads are embedded
// as-is; anything else travels base64 encoded.
type deadLetterMessage struct {
	Event         string          `json:"event"`
	DeadLetterID  int64           `json:"dead_letter_id"`
	JobID         string          `json:"job_id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 []byte          `json:"payload_base64,omitempty"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
}

// RabbitNotifier publishes dead letter notifications as JSON messages.
type RabbitNotifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewRabbitNotifier creates a notifier publishing through p.
func NewRabbitNotifier(p Publisher, logger *slog.Logger) *RabbitNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitNotifier{publisher: p, logger: logger}
}

// NotifyDeadLetter publishes dl.
func (n *RabbitNotifier) NotifyDeadLetter(ctx context.Context, dl DeadLetter) error {
	body, err := encodeDeadLetter(dl)
	if err != nil {
		return err
	}
	if err := n.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish dead letter notification: %w", err)
	}

	n.logger.Info("Dead letter notification published",
		slog.String("job_id", dl.JobID),
		slog.String("queue", dl.Queue),
	)
	return nil
}

func encodeDeadLetter(dl DeadLetter) ([]byte, error) {
	msg := deadLetterMessage{
		Event:        "job.dead_lettered",
		DeadLetterID: dl.DeadLetterID,
		JobID:        dl.JobID,
		Queue:        dl.Queue,
		Error:        dl.Error,
		Attempts:     dl.Attempts,
		FailedAt:     dl.FailedAt,
	}
	if len(dl.Payload) > 0 {
		if json.Valid(dl.Payload) {
			msg.Payload = dl.Payload
		} else {
			msg.PayloadBase64 = dl.Payload
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dead letter notification: %w", err)
	}
	return body, nil
}
