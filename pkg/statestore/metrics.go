package statestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetriesTotal counts transient redis failures that were retried.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursemedia_statestore_retries_total",
		Help: "Redis operations retried after a transient failure",
	}, []string{"op"})

	// FailuresTotal counts operations that exhausted the retry budget.
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursemedia_statestore_failures_total",
		Help: "Redis operations that failed after exhausting retries",
	}, []string{"op"})

	// TransitionsTotal counts committed status transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursemedia_statestore_transitions_total",
		Help: "Upload status transitions committed to the store",
	}, []string{"status"})

	// NotifyFailuresTotal counts dropped best-effort notifications.
	NotifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursemedia_statestore_notify_failures_total",
		Help: "Status notifications dropped after a publish failure",
	})
)
