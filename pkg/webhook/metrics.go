package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReceivedTotal counts callbacks by disposition.
	ReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursemedia_webhook_received_total",
		Help: "Backend callbacks received, labeled by disposition",
	}, []string{"disposition"})
)
