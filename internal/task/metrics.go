package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "download_queue_depth",
		Help: "Number of pending download tasks per priority tier.",
	}, []string{"priority"})

	queueDepthTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_queue_depth_total",
		Help: "Total number of pending download tasks.",
	})

	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_tasks_completed_total",
		Help: "Download tasks that reached the completed state.",
	})

	tasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_tasks_failed_total",
		Help: "Download tasks that reached the terminal failed state.",
	}, []string{"reason"})

	tasksRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_tasks_retried_total",
		Help: "Download task attempts re-queued after a transient failure.",
	})

	downloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "download_attempt_duration_seconds",
		Help:    "Wall time of individual download attempts.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"outcome"})
)

// Terminal failure reasons used as the tasksFailed label.
const (
	failReasonPermanent = "permanent"
	failReasonExhausted = "retries_exhausted"
	failReasonExpired   = "expired"
)

func observeDownloadDuration(d time.Duration, ok bool) {
	outcome := "error"
	if ok {
		outcome = "success"
	}
	downloadDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// updateQueueDepth refreshes the per-tier depth gauges from the current
// pending set. Called by the Manager while holding its lock, so the scan
// sees a consistent queue.
func updateQueueDepth(q *pendingQueue) {
	counts := make(map[Priority]int, 3)
	for _, t := range q.h {
		counts[t.Priority]++
	}
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh} {
		queueDepth.WithLabelValues(p.String()).Set(float64(counts[p]))
	}
	queueDepthTotal.Set(float64(q.len()))
}
