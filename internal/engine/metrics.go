package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandan_engine_requests_total",
		Help: "Inference requests by engine and outcome.",
	}, []string{"engine", "status"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandan_engine_dropped_responses_total",
		Help: "Responses discarded because no pending request matched their identifier.",
	}, []string{"engine"})

	initsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandan_engine_inits_total",
		Help: "Model load attempts by engine.",
	}, []string{"engine"})
)
