package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	drains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cssoptm_drains_total",
		Help: "Number of queue drains that processed jobs",
	}, []string{"type"})

	drainSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cssoptm_drain_skips_total",
		Help: "Number of one-shot drains skipped while a request was in flight",
	}, []string{"type"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cssoptm_jobs_total",
		Help: "Number of dequeued jobs by outcome",
	}, []string{"type", "result"})

	continuations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cssoptm_continuations_total",
		Help: "Number of scheduled continuing drains",
	}, []string{"type"})

	queueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cssoptm_queue_length",
		Help: "Pending jobs after the last drain",
	}, []string{"type"})

	lastDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cssoptm_last_generation_seconds",
		Help: "Duration of the last completed generation",
	}, []string{"type"})
)
