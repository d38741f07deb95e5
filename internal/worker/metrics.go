package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCompleted    = "completed"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
	outcomeFailed       = "report_failed"
)

// Metrics holds the worker's Prometheus collectors.
type Metrics struct {
	duration *prometheus.HistogramVec
}

// NewMetrics creates the worker collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "worker",
			Name:      "job_duration_seconds",
			Help:      "Handler execution time by queue and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"queue", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.duration)
	}
	return m
}

func (m *Metrics) observe(queue, outcome string, d time.Duration) {
	m.duration.WithLabelValues(queue, outcome).Observe(d.Seconds())
}
