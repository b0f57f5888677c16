package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "foliofox_maintenance_task_duration_seconds",
	Help:    "Duration of maintenance tasks by type and outcome.",
	Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
}, []string{"task", "status"})
