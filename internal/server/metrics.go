package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandan_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandan_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	gradeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandan_grade_requests_total",
			Help: "Total number of grading requests",
		},
		[]string{"type", "status"}, // type: single, batch, stream
	)

	gradeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandan_grade_duration_seconds",
			Help:    "Grading duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	bunchesDetected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tandan_bunches_detected",
			Help:    "Number of bunches detected per frame",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20, 50},
		},
	)

	rateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tandan_rate_limit_hits_total",
			Help: "Total number of rate limited requests",
		},
	)

	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandan_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandan_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: sent, received
	)
)
