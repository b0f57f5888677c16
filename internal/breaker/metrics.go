package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "foliofox_breaker_state_transitions_total",
	Help: "Circuit breaker state transitions by indexer and new state.",
}, []string{"indexer", "state"})

var selections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "foliofox_indexer_selections_total",
	Help: "Indexer selections by load-balancing strategy.",
}, []string{"strategy", "indexer"})

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "foliofox_indexer_request_duration_seconds",
	Help:    "Latency of requests executed through indexer breakers.",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
}, []string{"indexer", "outcome"})
