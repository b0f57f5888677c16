package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var groupsFound = promauto.NewCounter(prometheus.CounterOpts{
	Name: "foliofox_dedup_groups_found_total",
	Help: "Duplicate groups discovered by deduplication passes.",
})

var merges = promauto.NewCounter(prometheus.CounterOpts{
	Name: "foliofox_dedup_books_merged_total",
	Help: "Duplicate books merged into a primary.",
})
