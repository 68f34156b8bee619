package httpd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts API requests by route and response code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursemedia_httpd_requests_total",
		Help: "API requests by route and status code",
	}, []string{"route", "code"})
)
