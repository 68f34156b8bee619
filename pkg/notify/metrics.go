package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PublishedTotal counts events published to the shared channel.
	PublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursemedia_notify_published_total",
		Help: "Status events published to the shared channel",
	})

	// ReceivedTotal counts routable events received by this process.
	ReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursemedia_notify_received_total",
		Help: "Status events received and accepted for local delivery",
	})

	// DroppedTotal counts events the subscriber could not route.
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursemedia_notify_dropped_total",
		Help: "Status events dropped by the subscriber",
	}, []string{"reason"})

	// DeliveredTotal counts messages handed to websocket send queues.
	DeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursemedia_notify_delivered_total",
		Help: "Status events delivered to websocket connections",
	})
)
