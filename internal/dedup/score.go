package dedup

import (
	"time"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// completenessWeights value metadata fields by how useful they are when
// deciding which record should survive a merge.
var completenessWeights = []struct {
	weight  float64
	present func(*catalog.BookRecord) bool
}{
	{1.0, func(r *catalog.BookRecord) bool { return r.Title != "" }},
	{0.8, func(r *catalog.BookRecord) bool { return len(r.Authors) > 0 }},
	{0.6, func(r *catalog.BookRecord) bool { return r.Description.Valid && r.Description.String != "" }},
	{0.7, func(r *catalog.BookRecord) bool { return r.ISBN13.Valid && r.ISBN13.String != "" }},
	{0.5, func(r *catalog.BookRecord) bool { return r.PublicationDate.Valid && r.PublicationDate.String != "" }},
	{0.4, func(r *catalog.BookRecord) bool { return r.Publisher.Valid && r.Publisher.String != "" }},
	{0.3, func(r *catalog.BookRecord) bool { return r.PageCount.Valid && r.PageCount.Int64 > 0 }},
	{0.2, func(r *catalog.BookRecord) bool { return r.RatingAverage.Valid }},
	{0.4, func(r *catalog.BookRecord) bool { return len(r.Genres) > 0 }},
}

// Completeness scores how fully a record's metadata is populated, in [0, 1].
func Completeness(rec *catalog.BookRecord) float64 {
	var total, got float64
	for _, w := range completenessWeights {
		total += w.weight
		if w.present(rec) {
			got += w.weight
		}
	}
	return got / total
}

// qualityIndicators counts the identifying fields a record carries: ISBN-13,
// publisher, publication date, authors, genres.
func qualityIndicators(rec *catalog.BookRecord) int {
	var n int
	if rec.ISBN13.Valid && rec.ISBN13.String != "" {
		n++
	}
	if rec.Publisher.Valid && rec.Publisher.String != "" {
		n++
	}
	if rec.PublicationDate.Valid && rec.PublicationDate.String != "" {
		n++
	}
	if len(rec.Authors) > 0 {
		n++
	}
	if len(rec.Genres) > 0 {
		n++
	}
	return n
}

// PrimaryScore ranks group members for primary selection: metadata
// completeness dominates, then file holdings, community rating, recency of
// the last update, and quality indicators.
func PrimaryScore(rec *catalog.BookRecord, now time.Time) float64 {
	var score = 0.4 * Completeness(rec)

	var files = float64(rec.FileCount) / 10
	if files > 1 {
		files = 1
	}
	score += 0.2 * files

	if rec.RatingAverage.Valid {
		var weight = float64(rec.RatingCount) / 100
		if weight > 1 {
			weight = 1
		}
		score += 0.15 * (rec.RatingAverage.Float64 / 5) * weight
	}

	var ageDays = now.Sub(rec.UpdatedAt).Hours() / 24
	var recency = 1 - ageDays/365
	if recency < 0 {
		recency = 0
	}
	score += 0.15 * recency

	score += 0.1 * float64(qualityIndicators(rec)) / 5
	return score
}

// Recommended actions for a duplicate group.
const (
	ActionMerge  = "merge"
	ActionReview = "review"
	ActionKeep   = "keep"
)

// RecommendAction maps group confidence onto an action.
func RecommendAction(confidence float64) string {
	switch {
	case confidence >= 0.9:
		return ActionMerge
	case confidence >= 0.75:
		return ActionReview
	default:
		return ActionKeep
	}
}

// Per-pair resolution suggestions.
const (
	PairKeepMostComplete = "keep_most_complete"
	PairKeepMostFiles    = "keep_most_files"
	PairKeepNewest       = "keep_newest"
	PairMergeMetadata    = "merge_metadata"
)

// completenessDecisive is the completeness gap above which the richer
// record simply wins.
const completenessDecisive = 0.3

// RecommendPairAction suggests how to resolve one matched pair: a clear
// completeness gap keeps the richer record, then more files win, then the
// more recently updated record, and otherwise the metadata should be
// merged. The returned id is the suggested survivor.
func RecommendPairAction(a, b *catalog.BookRecord) (string, int64) {
	var ca, cb = Completeness(a), Completeness(b)
	var delta = ca - cb
	if delta > completenessDecisive {
		return PairKeepMostComplete, a.ID
	}
	if delta < -completenessDecisive {
		return PairKeepMostComplete, b.ID
	}

	if a.FileCount != b.FileCount {
		if a.FileCount > b.FileCount {
			return PairKeepMostFiles, a.ID
		}
		return PairKeepMostFiles, b.ID
	}

	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		if a.UpdatedAt.After(b.UpdatedAt) {
			return PairKeepNewest, a.ID
		}
		return PairKeepNewest, b.ID
	}

	// Nothing separates the two; merge and keep the higher-scoring record,
	// with ties going to the lower id.
	var now = time.Now()
	var sa, sb = PrimaryScore(a, now), PrimaryScore(b, now)
	switch {
	case sb > sa:
		return PairMergeMetadata, b.ID
	case sa > sb:
		return PairMergeMetadata, a.ID
	case b.ID < a.ID:
		return PairMergeMetadata, b.ID
	default:
		return PairMergeMetadata, a.ID
	}
}
