package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts task outcomes by type.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursemedia_taskqueue_tasks_total",
		Help: "Task executions by type and outcome",
	}, []string{"type", "outcome"})

	// TaskDuration observes successful task durations.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coursemedia_taskqueue_task_duration_seconds",
		Help:    "Duration of successful task executions",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"type"})
)
