package dedup

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	return NewDetector(newSim(t), 0.85)
}

func record(id int64, title string, authors ...string) catalog.BookRecord {
	return catalog.BookRecord{
		Book:    catalog.Book{ID: id, Title: title},
		Authors: authors,
	}
}

func withISBN(rec catalog.BookRecord, isbn string) catalog.BookRecord {
	rec.ISBN13 = sql.NullString{String: isbn, Valid: true}
	return rec
}

func TestFindMatchesExactISBN(t *testing.T) {
	var records = []catalog.BookRecord{
		withISBN(record(1, "The Great Gatsby", "F. Scott Fitzgerald"), "978-0-7432-7356-5"),
		withISBN(record(2, "Great Gatsby (Special Edition)", "Fitzgerald, F. Scott"), "9780743273565"),
		withISBN(record(3, "Dune", "Frank Herbert"), "9780441013593"),
	}

	var matches = newDetector(t).FindMatches(records)
	require.Len(t, matches, 1)
	require.Equal(t, int64(1), matches[0].AID)
	require.Equal(t, int64(2), matches[0].BID)
	require.Equal(t, MatchExactISBN, matches[0].Kind)
	require.Equal(t, 1.0, matches[0].Confidence)
	require.Equal(t, LevelHigh, matches[0].Level)
	// title 0.40 + authors 0.30 + isbn 0.15; no date or publisher on record.
	require.InDelta(t, 0.85, matches[0].Overall, 0.001)
}

func TestFindMatchesExactASIN(t *testing.T) {
	var a = record(1, "Project Hail Mary", "Andy Weir")
	a.ASIN = sql.NullString{String: "B08GB58KD5", Valid: true}
	var b = record(2, "Hail Mary", "Weir, Andy")
	b.ASIN = sql.NullString{String: "b08gb58kd5", Valid: true}
	var c = record(3, "Dune", "Frank Herbert")
	c.ASIN = sql.NullString{String: "B000R93D4Y", Valid: true}

	var matches = newDetector(t).FindMatches([]catalog.BookRecord{a, b, c})
	require.Len(t, matches, 1)
	require.Equal(t, int64(1), matches[0].AID)
	require.Equal(t, int64(2), matches[0].BID)
	require.Equal(t, MatchExactASIN, matches[0].Kind)
	require.Equal(t, 1.0, matches[0].Confidence)
	require.Equal(t, LevelHigh, matches[0].Level)
}

func TestFindMatchesFuzzyTitleAuthor(t *testing.T) {
	var records = []catalog.BookRecord{
		record(1, "The Great Gatsby", "F. Scott Fitzgerald"),
		record(2, "Great Gatsby (Revised Edition)", "Fitzgerald, F. Scott"),
	}

	var matches = newDetector(t).FindMatches(records)
	require.Len(t, matches, 1)
	require.Equal(t, MatchFuzzy, matches[0].Kind)
	require.Equal(t, LevelHigh, matches[0].Level, "normalized titles are identical")
	require.GreaterOrEqual(t, matches[0].Confidence, 0.95)
}

func TestFindMatchesFuzzyTypoIsMedium(t *testing.T) {
	var records = []catalog.BookRecord{
		record(1, "Great Gatsby", "F. Scott Fitzgerald"),
		record(2, "Greot Gatsby", "F. Scott Fitzgerald"), // OCR typo
	}

	var matches = newDetector(t).FindMatches(records)
	require.Len(t, matches, 1)
	require.Equal(t, MatchFuzzy, matches[0].Kind)
	require.Equal(t, LevelMedium, matches[0].Level)
	require.GreaterOrEqual(t, matches[0].Confidence, 0.85)
	require.Less(t, matches[0].Confidence, 0.95)
}

func TestFindMatchesFuzzyAboveThresholdBelowMediumIsLow(t *testing.T) {
	// With the threshold lowered to 0.75, a pair scoring between the
	// threshold and 0.85 still matches, at low confidence.
	var detector = NewDetector(newSim(t), 0.75)
	var records = []catalog.BookRecord{
		record(1, "Dune Messiah", "Frank Herbert"),
		record(2, "Dune Messiahs"), // no author data: neutral 0.5
	}

	var matches = detector.FindMatches(records)
	require.Len(t, matches, 1)
	require.Equal(t, MatchFuzzy, matches[0].Kind)
	require.Equal(t, LevelLow, matches[0].Level)
	// 0.7 * 0.96 title + 0.3 * 0.5 authors.
	require.InDelta(t, 0.822, matches[0].Confidence, 0.01)
}

func TestFindMatchesBelowThresholdIgnored(t *testing.T) {
	var records = []catalog.BookRecord{
		record(1, "Great Expectations", "Charles Dickens"),
		record(2, "Great Gatsby", "F. Scott Fitzgerald"),
	}
	require.Empty(t, newDetector(t).FindMatches(records))
}

func TestFindMatchesContentSignature(t *testing.T) {
	var a = record(1, "Dune", "Frank Herbert")
	a.TotalFileSize = 4096
	var b = record(2, "Dunes", "Someone Else Entirely")
	b.TotalFileSize = 4096
	var c = record(3, "Dune", "Frank Herbert")
	c.TotalFileSize = 512 // below the size floor

	var matches = newDetector(t).FindMatches([]catalog.BookRecord{a, b, c})

	var found *Match
	for i := range matches {
		if matches[i].Kind == MatchContentSig {
			found = &matches[i]
		}
	}
	require.NotNil(t, found)
	require.Equal(t, int64(1), found.AID)
	require.Equal(t, int64(2), found.BID)
	require.Equal(t, 0.85, found.Confidence)
	require.Equal(t, LevelMedium, found.Level)
}

func TestFindMatchesReportsPairOnce(t *testing.T) {
	// Same ISBN and identical normalized titles: both detectors fire, the
	// pair is reported once, by the ISBN pass.
	var records = []catalog.BookRecord{
		withISBN(record(1, "Dune", "Frank Herbert"), "9780441013593"),
		withISBN(record(2, "The Dune", "Frank Herbert"), "9780441013593"),
	}

	var matches = newDetector(t).FindMatches(records)
	require.Len(t, matches, 1)
	require.Equal(t, MatchExactISBN, matches[0].Kind)
}

func TestFindMatchesRecordsFieldDiffs(t *testing.T) {
	var a = withISBN(record(1, "The Great Gatsby", "F. Scott Fitzgerald"), "9780743273565")
	a.PageCount = sql.NullInt64{Int64: 180, Valid: true}
	var b = withISBN(record(2, "Great Gatsby", "F. Scott Fitzgerald"), "9780743273565")
	b.PageCount = sql.NullInt64{Int64: 218, Valid: true}

	var matches = newDetector(t).FindMatches([]catalog.BookRecord{a, b})
	require.Len(t, matches, 1)

	var fields []string
	for _, d := range matches[0].Diffs {
		fields = append(fields, d.Field)
	}
	require.Contains(t, fields, "title")
	require.Contains(t, fields, "page_count")
}

func TestBuildGroupsTransitiveComponent(t *testing.T) {
	var now = time.Now()
	var records = []catalog.BookRecord{
		record(1, "Dune"), record(2, "Dune"), record(3, "Dune"),
		record(5, "Other"), record(6, "Other"),
	}
	var matches = []Match{
		{AID: 1, BID: 2, Confidence: 1.0},
		{AID: 2, BID: 3, Confidence: 0.9}, // 1 and 3 linked only through 2
		{AID: 5, BID: 6, Confidence: 0.8},
	}

	var groups = BuildGroups(records, matches, now)
	require.Len(t, groups, 2)

	require.Equal(t, []int64{1, 2, 3}, groups[0].MemberIDs)
	require.InDelta(t, 0.95, groups[0].Confidence, 0.001)
	require.Equal(t, ActionMerge, groups[0].Action)

	require.Equal(t, []int64{5, 6}, groups[1].MemberIDs)
	require.Equal(t, ActionReview, groups[1].Action)
}

func TestBuildGroupsElectsMostCompletePrimary(t *testing.T) {
	var sparse = record(1, "Dune")
	var rich = record(2, "Dune", "Frank Herbert")
	rich.Description = sql.NullString{String: "A desert planet epic.", Valid: true}
	rich.ISBN13 = sql.NullString{String: "9780441013593", Valid: true}
	rich.Publisher = sql.NullString{String: "Ace", Valid: true}
	rich.FileCount = 3

	var groups = BuildGroups(
		[]catalog.BookRecord{sparse, rich},
		[]Match{{AID: 1, BID: 2, Confidence: 1.0}},
		time.Now())
	require.Len(t, groups, 1)
	require.Equal(t, int64(2), groups[0].PrimaryID)
}

func TestRecommendAction(t *testing.T) {
	require.Equal(t, ActionMerge, RecommendAction(0.95))
	require.Equal(t, ActionMerge, RecommendAction(0.9))
	require.Equal(t, ActionReview, RecommendAction(0.8))
	require.Equal(t, ActionReview, RecommendAction(0.75))
	require.Equal(t, ActionKeep, RecommendAction(0.5))
}

func TestRecommendPairAction(t *testing.T) {
	var now = time.Now()

	// A decisive completeness gap keeps the richer record.
	var sparse = record(1, "Dune")
	var rich = record(2, "Dune", "Frank Herbert")
	rich.Description = sql.NullString{String: "A desert planet epic.", Valid: true}
	rich.ISBN13 = sql.NullString{String: "9780441013593", Valid: true}
	action, primary := RecommendPairAction(&sparse, &rich)
	require.Equal(t, PairKeepMostComplete, action)
	require.Equal(t, int64(2), primary)
	action, primary = RecommendPairAction(&rich, &sparse)
	require.Equal(t, PairKeepMostComplete, action)
	require.Equal(t, int64(2), primary, "order of arguments is irrelevant")

	// Comparable metadata: more files win.
	var fewFiles = record(3, "Dune", "Frank Herbert")
	var manyFiles = record(4, "Dune", "Frank Herbert")
	manyFiles.FileCount = 3
	action, primary = RecommendPairAction(&fewFiles, &manyFiles)
	require.Equal(t, PairKeepMostFiles, action)
	require.Equal(t, int64(4), primary)

	// Same files: the more recently updated record wins.
	var stale = record(5, "Dune", "Frank Herbert")
	stale.UpdatedAt = now.AddDate(0, -6, 0)
	var freshened = record(6, "Dune", "Frank Herbert")
	freshened.UpdatedAt = now
	action, primary = RecommendPairAction(&stale, &freshened)
	require.Equal(t, PairKeepNewest, action)
	require.Equal(t, int64(6), primary)

	// Indistinguishable records: merge metadata, lower id survives.
	var twinA = record(7, "Dune", "Frank Herbert")
	var twinB = record(8, "Dune", "Frank Herbert")
	action, primary = RecommendPairAction(&twinA, &twinB)
	require.Equal(t, PairMergeMetadata, action)
	require.Equal(t, int64(7), primary)
}

func TestMatchCarriesPairRecommendation(t *testing.T) {
	var sparse = withISBN(record(1, "Dune"), "9780441013593")
	var rich = withISBN(record(2, "Dune", "Frank Herbert"), "9780441013593")
	rich.Description = sql.NullString{String: "A desert planet epic.", Valid: true}
	rich.Publisher = sql.NullString{String: "Ace", Valid: true}

	var matches = newDetector(t).FindMatches([]catalog.BookRecord{sparse, rich})
	require.Len(t, matches, 1)
	require.Equal(t, PairKeepMostComplete, matches[0].RecommendedAction)
	require.Equal(t, int64(2), matches[0].PrimaryID)
}

func TestPrimaryScoreRecencyFollowsUpdates(t *testing.T) {
	var now = time.Now()

	// Both created long ago; only one was recently touched. The recency
	// term follows the update time, not the insert time.
	var stale = record(1, "Dune", "Frank Herbert")
	stale.CreatedAt = now.AddDate(-2, 0, 0)
	stale.UpdatedAt = now.AddDate(-2, 0, 0)
	var touched = record(2, "Dune", "Frank Herbert")
	touched.CreatedAt = now.AddDate(-2, 0, 0)
	touched.UpdatedAt = now

	require.InDelta(t, 0.15, PrimaryScore(&touched, now)-PrimaryScore(&stale, now), 0.001)
}

func TestQualityIndicatorsCountIdentifyingFields(t *testing.T) {
	var plain = record(1, "Dune")
	require.Zero(t, qualityIndicators(&plain))

	var full = record(2, "Dune", "Frank Herbert")
	full.ISBN13 = sql.NullString{String: "9780441013593", Valid: true}
	full.Publisher = sql.NullString{String: "Ace", Valid: true}
	full.PublicationDate = sql.NullString{String: "1965-08-01", Valid: true}
	full.Genres = []string{"science fiction"}
	require.Equal(t, 5, qualityIndicators(&full))
}

func TestCompletenessOrdersRecords(t *testing.T) {
	var sparse = record(1, "Dune")
	var rich = record(2, "Dune", "Frank Herbert")
	rich.Description = sql.NullString{String: "desc", Valid: true}
	rich.ISBN13 = sql.NullString{String: "9780441013593", Valid: true}

	require.Greater(t, Completeness(&rich), Completeness(&sparse))
	require.LessOrEqual(t, Completeness(&rich), 1.0)
	require.Greater(t, Completeness(&sparse), 0.0, "title alone counts")
}
