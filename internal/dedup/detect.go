package dedup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// MatchKind identifies how a duplicate pair was detected.
type MatchKind string

const (
	MatchExactISBN  MatchKind = "exact_isbn"
	MatchExactASIN  MatchKind = "exact_asin"
	MatchFuzzy      MatchKind = "fuzzy_title_author"
	MatchContentSig MatchKind = "content_signature"
)

// Confidence levels attached to matches.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

// minContentSigSize is the smallest combined file size considered a
// meaningful content signature; tiny files collide on size constantly.
const minContentSigSize = 1024

// FieldDiff records one field that disagrees between a matched pair,
// surfaced for manual review.
type FieldDiff struct {
	Field string
	A, B  string
}

// Match is one detected duplicate pair. RecommendedAction and PrimaryID
// carry the per-pair resolution suggestion for review surfaces.
type Match struct {
	AID, BID          int64
	Kind              MatchKind
	Confidence        float64
	Level             string
	Overall           float64 // weighted whole-record similarity
	RecommendedAction string
	PrimaryID         int64
	Diffs             []FieldDiff
}

// candidate carries a book record with its precomputed normalized keys.
type candidate struct {
	rec     *catalog.BookRecord
	title   string
	authors []string
	isbn    string
	asin    string
	date    string
}

// Detector finds duplicate pairs among book records.
type Detector struct {
	sim            *Similarity
	fuzzyThreshold float64
}

// NewDetector returns a Detector matching fuzzy pairs at or above
// |fuzzyThreshold| combined title/author similarity.
func NewDetector(sim *Similarity, fuzzyThreshold float64) *Detector {
	return &Detector{sim: sim, fuzzyThreshold: fuzzyThreshold}
}

// FindMatches detects duplicate pairs across |records|. Each unordered pair
// is reported at most once, by the strongest detection kind that found it.
func (d *Detector) FindMatches(records []catalog.BookRecord) []Match {
	var cands = make([]candidate, len(records))
	for i := range records {
		cands[i] = newCandidate(&records[i])
	}

	var matches []Match
	var seen = make(map[[2]int64]bool)

	var add = func(m Match) {
		var key = pairKey(m.AID, m.BID)
		if seen[key] {
			return
		}
		seen[key] = true
		matches = append(matches, m)
	}

	// Exact ISBN equality is as close to certainty as metadata allows.
	var byISBN = make(map[string][]int)
	for i, c := range cands {
		if c.isbn != "" {
			byISBN[c.isbn] = append(byISBN[c.isbn], i)
		}
	}
	for _, group := range byISBN {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				var a, b = &cands[group[i]], &cands[group[j]]
				add(d.buildMatch(a, b, MatchExactISBN, 1.0, LevelHigh))
			}
		}
	}

	// An ASIN names one Amazon listing; equality is as definitive as ISBN.
	var byASIN = make(map[string][]int)
	for i, c := range cands {
		if c.asin != "" {
			byASIN[c.asin] = append(byASIN[c.asin], i)
		}
	}
	for _, group := range byASIN {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				var a, b = &cands[group[i]], &cands[group[j]]
				add(d.buildMatch(a, b, MatchExactASIN, 1.0, LevelHigh))
			}
		}
	}

	// Fuzzy title+author, blocked on the title's leading characters so the
	// pairwise comparison stays far from quadratic over the whole catalog.
	var byBlock = make(map[string][]int)
	for i, c := range cands {
		if c.title != "" {
			byBlock[titleBlock(c.title)] = append(byBlock[titleBlock(c.title)], i)
		}
	}
	for _, group := range byBlock {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				var a, b = &cands[group[i]], &cands[group[j]]
				var titleSim = d.sim.Ratio(a.title, b.title)
				var authorSim = d.authorSimilarity(a.authors, b.authors)
				var combined = 0.7*titleSim + 0.3*authorSim
				if combined < d.fuzzyThreshold {
					continue
				}
				var level = LevelLow
				switch {
				case combined >= 0.95:
					level = LevelHigh
				case combined >= 0.85:
					level = LevelMedium
				}
				add(d.buildMatch(a, b, MatchFuzzy, combined, level))
			}
		}
	}

	// Same total file size with a plausibly similar title suggests the
	// same underlying files catalogued twice.
	var bySize = make(map[int64][]int)
	for i, c := range cands {
		if c.rec.TotalFileSize > minContentSigSize {
			bySize[c.rec.TotalFileSize] = append(bySize[c.rec.TotalFileSize], i)
		}
	}
	for _, group := range bySize {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				var a, b = &cands[group[i]], &cands[group[j]]
				var titleSim = d.sim.Ratio(a.title, b.title)
				if titleSim < 0.6 {
					continue
				}
				add(d.buildMatch(a, b, MatchContentSig, 0.85, LevelMedium))
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].AID != matches[j].AID {
			return matches[i].AID < matches[j].AID
		}
		return matches[i].BID < matches[j].BID
	})
	return matches
}

func newCandidate(rec *catalog.BookRecord) candidate {
	var c = candidate{rec: rec, title: NormalizeTitle(rec.Title)}
	for _, a := range rec.Authors {
		c.authors = append(c.authors, NormalizeAuthor(a))
	}
	if rec.ISBN13.Valid {
		c.isbn = NormalizeISBN(rec.ISBN13.String)
	}
	if c.isbn == "" && rec.ISBN10.Valid {
		c.isbn = NormalizeISBN(rec.ISBN10.String)
	}
	if rec.ASIN.Valid {
		c.asin = NormalizeASIN(rec.ASIN.String)
	}
	if rec.PublicationDate.Valid {
		c.date = NormalizeDate(rec.PublicationDate.String)
	}
	return c
}

func titleBlock(title string) string {
	if len(title) < 2 {
		return title
	}
	return title[:2]
}

func pairKey(a, b int64) [2]int64 {
	if a > b {
		a, b = b, a
	}
	return [2]int64{a, b}
}

// authorSimilarity averages each author's best match on the other side.
// Books with no author data compare as neutral rather than dissimilar.
func (d *Detector) authorSimilarity(as, bs []string) float64 {
	if len(as) == 0 && len(bs) == 0 {
		return 1
	}
	if len(as) == 0 || len(bs) == 0 {
		return 0.5
	}
	if len(as) > len(bs) {
		as, bs = bs, as
	}

	var total float64
	for _, a := range as {
		var best float64
		for _, b := range bs {
			if s := d.sim.Ratio(a, b); s > best {
				best = s
			}
		}
		total += best
	}
	return total / float64(len(as))
}

// Whole-record similarity weights.
const (
	weightTitle     = 0.40
	weightAuthors   = 0.30
	weightISBN      = 0.15
	weightDate      = 0.10
	weightPublisher = 0.05
)

func (d *Detector) buildMatch(a, b *candidate, kind MatchKind, confidence float64, level string) Match {
	var aID, bID = a.rec.ID, b.rec.ID
	if aID > bID {
		a, b = b, a
		aID, bID = bID, aID
	}

	var overall = weightTitle * d.sim.Ratio(a.title, b.title)
	overall += weightAuthors * d.authorSimilarity(a.authors, b.authors)
	if a.isbn != "" && b.isbn != "" {
		if a.isbn == b.isbn {
			overall += weightISBN
		}
	} else {
		overall += weightISBN / 2 // unknown, counted as neutral
	}
	if a.date != "" && a.date == b.date {
		overall += weightDate
	}
	if a.rec.Publisher.Valid && b.rec.Publisher.Valid {
		overall += weightPublisher * d.sim.Ratio(
			strings.ToLower(a.rec.Publisher.String), strings.ToLower(b.rec.Publisher.String))
	}

	var action, primaryID = RecommendPairAction(a.rec, b.rec)
	return Match{
		AID:               aID,
		BID:               bID,
		Kind:              kind,
		Confidence:        confidence,
		Level:             level,
		Overall:           overall,
		RecommendedAction: action,
		PrimaryID:         primaryID,
		Diffs:             fieldDiffs(a.rec, b.rec),
	}
}

func fieldDiffs(a, b *catalog.BookRecord) []FieldDiff {
	var diffs []FieldDiff
	var check = func(field, av, bv string) {
		if av != bv && av != "" && bv != "" {
			diffs = append(diffs, FieldDiff{Field: field, A: av, B: bv})
		}
	}
	check("title", a.Title, b.Title)
	check("authors", strings.Join(a.Authors, "; "), strings.Join(b.Authors, "; "))
	check("isbn_13", a.ISBN13.String, b.ISBN13.String)
	check("publication_date", a.PublicationDate.String, b.PublicationDate.String)
	check("publisher", a.Publisher.String, b.Publisher.String)
	if a.PageCount.Valid && b.PageCount.Valid && a.PageCount.Int64 != b.PageCount.Int64 {
		diffs = append(diffs, FieldDiff{
			Field: "page_count",
			A:     fmt.Sprintf("%d", a.PageCount.Int64),
			B:     fmt.Sprintf("%d", b.PageCount.Int64),
		})
	}
	return diffs
}
