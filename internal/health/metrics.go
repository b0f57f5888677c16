package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sweeps = promauto.NewCounter(prometheus.CounterOpts{
	Name: "foliofox_health_sweeps_total",
	Help: "Completed health check sweeps.",
})

var probeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "foliofox_health_probe_duration_seconds",
	Help:    "Latency of indexer health probes by indexer type.",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"type"})

var statusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "foliofox_indexer_status",
	Help: "Indexer health (1 healthy, 0.75 recovering, 0.5 degraded, 0 down).",
}, []string{"indexer"})

var failovers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "foliofox_failovers_total",
	Help: "Failover events by primary and target indexer.",
}, []string{"from", "to"})

var recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "foliofox_recoveries_total",
	Help: "Confirmed indexer recoveries.",
}, []string{"indexer"})
