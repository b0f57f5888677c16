package dedup

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// Options configure the dedup Engine.
type Options struct {
	FuzzyThreshold float64
	AutoMerge      bool
	CacheSize      int
}

// DefaultOptions match the production defaults.
func DefaultOptions() Options {
	return Options{FuzzyThreshold: 0.85, CacheSize: 4096}
}

// Report summarizes one deduplication pass.
type Report struct {
	Scanned      int
	Matches      int
	Groups       []Group
	MergedGroups int
	MergedBooks  int
	Elapsed      time.Duration
}

// Engine runs full deduplication passes over the catalog.
type Engine struct {
	store    *catalog.Store
	detector *Detector
	opts     Options
}

// NewEngine builds a dedup Engine.
func NewEngine(store *catalog.Store, opts Options) (*Engine, error) {
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = DefaultOptions().FuzzyThreshold
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}
	sim, err := NewSimilarity(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("building similarity cache: %w", err)
	}
	return &Engine{
		store:    store,
		detector: NewDetector(sim, opts.FuzzyThreshold),
		opts:     opts,
	}, nil
}

// Run scans the catalog, groups duplicates, and (when AutoMerge is set)
// merges groups whose confidence recommends it. Groups recommended for
// review are reported, never touched.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	var started = time.Now()

	records, err := e.store.LoadBookRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading catalog for deduplication: %w", err)
	}

	var matches = e.detector.FindMatches(records)
	var groups = BuildGroups(records, matches, time.Now())

	var report = &Report{
		Scanned: len(records),
		Matches: len(matches),
		Groups:  groups,
		Elapsed: time.Since(started),
	}

	if e.opts.AutoMerge {
		for i := range groups {
			var group = &groups[i]
			if group.Action != ActionMerge {
				continue
			}
			if err := Merge(ctx, e.store, group); err != nil {
				log.WithFields(log.Fields{
					"primary": group.PrimaryID,
					"error":   err,
				}).Error("duplicate group merge failed")
				continue
			}
			report.MergedGroups++
			report.MergedBooks += len(group.MemberIDs) - 1
		}
	}

	groupsFound.Add(float64(len(groups)))
	log.WithFields(log.Fields{
		"scanned": report.Scanned,
		"matches": report.Matches,
		"groups":  len(groups),
		"merged":  report.MergedGroups,
		"elapsed": report.Elapsed.Round(time.Millisecond),
	}).Info("deduplication pass complete")
	return report, nil
}
