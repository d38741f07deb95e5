package jobqueue

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the queue's Prometheus counters.
type Metrics struct {
	enqueued       *prometheus.CounterVec
	claimed        *prometheus.CounterVec
	completed      *prometheus.CounterVec
	retried        *prometheus.CounterVec
	deadLettered   *prometheus.CounterVec
	staleReclaimed prometheus.Counter
}

// NewMetrics creates the queue counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      name,
			Help:      help,
		}, []string{"queue"})
	}

	m := &Metrics{
		enqueued:     counter("jobs_enqueued_total", "Jobs inserted into the queue."),
		claimed:      counter("jobs_claimed_total", "Jobs claimed by a poller."),
		completed:    counter("jobs_completed_total", "Jobs marked completed."),
		retried:      counter("jobs_retried_total", "Failed jobs scheduled for another attempt."),
		deadLettered: counter("jobs_dead_lettered_total", "Jobs moved to the dead letter queue."),
		staleReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "stale_locks_reclaimed_total",
			Help:      "Processing jobs returned to pending after their lock went stale.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.enqueued, m.claimed, m.completed, m.retried, m.deadLettered, m.staleReclaimed)
	}
	return m
}
