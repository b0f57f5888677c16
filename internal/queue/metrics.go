package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "foliofox_downloads_active",
	Help: "Downloads currently in flight.",
})

var downloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "foliofox_downloads_completed_total",
	Help: "Downloads that finished successfully.",
})

var downloadsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "foliofox_downloads_failed_total",
	Help: "Failed download attempts by failure kind.",
}, []string{"kind"})

var retriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "foliofox_download_retries_total",
	Help: "Download retries scheduled by failure kind.",
}, []string{"kind"})

var staleResets = promauto.NewCounter(prometheus.CounterOpts{
	Name: "foliofox_downloads_stale_resets_total",
	Help: "Stuck downloads returned to the pending queue.",
})

var resourceSkips = promauto.NewCounter(prometheus.CounterOpts{
	Name: "foliofox_scheduler_resource_skips_total",
	Help: "Scheduler passes skipped because host resources were constrained.",
})
