package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the queue. Registered with the default registry
// and served by the engine's metrics listener when METRICS_ADDR is set.
//
// Naming follows Prometheus conventions: swarm_queue_ prefix, _total
// suffix for counters, _seconds suffix for duration histograms.
var (
	// jobEventsTotal counts job lifecycle events by event name and tenant.
	jobEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_queue_job_events_total",
			Help: "Total job lifecycle events by event name and tenant.",
		},
		[]string{"event", "tenant"},
	)

	// jobDurationSeconds is a histogram of job wall-clock time by terminal state.
	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarm_queue_job_duration_seconds",
			Help:    "Duration of jobs in seconds by terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"state"},
	)

	// queueDepth is the number of jobs currently in each state.
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarm_queue_depth",
			Help: "Number of jobs currently in each queue state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		jobEventsTotal,
		jobDurationSeconds,
		queueDepth,
	)
}

// recordJobEvent records a single job lifecycle event.
func recordJobEvent(event, tenantName string) {
	jobEventsTotal.WithLabelValues(event, tenantName).Inc()
}

// recordJobDuration records the wall-clock time of a finished job.
func recordJobDuration(state JobState, d time.Duration) {
	jobDurationSeconds.WithLabelValues(string(state)).Observe(d.Seconds())
}

// recordQueueDepth updates the per-state depth gauges.
func recordQueueDepth(counts map[JobState]int64) {
	for state, n := range counts {
		queueDepth.WithLabelValues(string(state)).Set(float64(n))
	}
}
