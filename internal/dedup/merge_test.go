package dedup

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

func newDedupStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(context.Background(), ":memory:", catalog.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertBook(t *testing.T, store *catalog.Store, title, isbn13, publisher, description string, ratingAvg float64, ratingCount int64) int64 {
	t.Helper()
	res, err := store.Exec(`
		INSERT INTO books (title, isbn_13, publisher, description, rating_average, rating_count)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, 0), ?)`,
		title, isbn13, publisher, description, ratingAvg, ratingCount)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func linkAuthor(t *testing.T, store *catalog.Store, bookID int64, name string) {
	t.Helper()
	_, err := store.Exec(`INSERT OR IGNORE INTO authors (name) VALUES (?)`, name)
	require.NoError(t, err)
	_, err = store.Exec(`
		INSERT OR IGNORE INTO book_authors (book_id, author_id)
		SELECT ?, id FROM authors WHERE name = ?`, bookID, name)
	require.NoError(t, err)
}

func addFile(t *testing.T, store *catalog.Store, bookID int64, size int64) {
	t.Helper()
	_, err := store.Exec(`
		INSERT INTO book_files (book_id, format, file_size_bytes, quality_score)
		VALUES (?, 'epub', ?, 3)`, bookID, size)
	require.NoError(t, err)
}

func TestMergeFoldsDuplicateIntoPrimary(t *testing.T) {
	var store = newDedupStore(t)
	var ctx = context.Background()

	var primary = insertBook(t, store, "The Great Gatsby", "9780743273565",
		"Scribner", "short", 4.0, 10)
	var dup = insertBook(t, store, "Great Gatsby", "9780743273565",
		"", "a much longer description of the novel", 4.5, 500)
	linkAuthor(t, store, primary, "F. Scott Fitzgerald")
	linkAuthor(t, store, dup, "Francis Scott Fitzgerald")
	addFile(t, store, dup, 2048)

	// Fill a column the primary lacks and the duplicate has.
	_, err := store.Exec(`UPDATE books SET page_count = 180 WHERE id = ?`, dup)
	require.NoError(t, err)
	_, err = store.Exec(`UPDATE books SET publisher = NULL WHERE id = ?`, primary)
	require.NoError(t, err)

	var group = &Group{
		PrimaryID:  primary,
		MemberIDs:  []int64{primary, dup},
		Confidence: 1.0,
		Action:     ActionMerge,
	}
	require.NoError(t, Merge(ctx, store, group))

	// The duplicate row is gone.
	_, err = store.GetBook(ctx, dup)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	merged, err := store.GetBook(ctx, primary)
	require.NoError(t, err)

	// NULL columns filled from the duplicate.
	require.True(t, merged.PageCount.Valid)
	require.Equal(t, int64(180), merged.PageCount.Int64)

	// The longer description and the better-backed rating win.
	require.Equal(t, "a much longer description of the novel", merged.Description.String)
	require.Equal(t, 4.5, merged.RatingAverage.Float64)
	require.Equal(t, int64(500), merged.RatingCount)

	// Files repointed, author links carried over.
	var fileOwners []int64
	require.NoError(t, store.SelectContext(ctx, &fileOwners,
		`SELECT book_id FROM book_files`))
	require.Equal(t, []int64{primary}, fileOwners)

	var authorCount int
	require.NoError(t, store.GetContext(ctx, &authorCount,
		`SELECT COUNT(*) FROM book_authors WHERE book_id = ?`, primary))
	require.Equal(t, 2, authorCount)

	// The merge left an audit trail of what was folded into what.
	var details string
	require.NoError(t, store.GetContext(ctx, &details, `
		SELECT details FROM system_logs
		WHERE component = 'dedup' AND level = 'INFO'
		ORDER BY id DESC LIMIT 1`))

	var audit struct {
		PrimaryID  int64   `json:"primary_id"`
		MergedIDs  []int64 `json:"merged_ids"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(details), &audit))
	require.Equal(t, primary, audit.PrimaryID)
	require.Equal(t, []int64{dup}, audit.MergedIDs)
	require.Equal(t, 1.0, audit.Confidence)
}

func TestMergePreservesPrimaryValues(t *testing.T) {
	var store = newDedupStore(t)
	var ctx = context.Background()

	var primary = insertBook(t, store, "Dune", "9780441013593",
		"Ace", "the definitive description", 4.2, 1000)
	var dup = insertBook(t, store, "Dune", "9780441013593",
		"Bootleg Press", "short", 3.0, 5)

	require.NoError(t, Merge(ctx, store, &Group{
		PrimaryID: primary,
		MemberIDs: []int64{primary, dup},
	}))

	merged, err := store.GetBook(ctx, primary)
	require.NoError(t, err)
	require.Equal(t, "Ace", merged.Publisher.String)
	require.Equal(t, "the definitive description", merged.Description.String)
	require.Equal(t, 4.2, merged.RatingAverage.Float64)
	require.Equal(t, int64(1000), merged.RatingCount)
}

func TestMergeWithNoDuplicatesIsNoOp(t *testing.T) {
	var store = newDedupStore(t)
	require.NoError(t, Merge(context.Background(), store, &Group{
		PrimaryID: 1,
		MemberIDs: []int64{1},
	}))
}

func TestEngineRunAutoMergesHighConfidenceGroups(t *testing.T) {
	var store = newDedupStore(t)
	var ctx = context.Background()

	var a = insertBook(t, store, "The Great Gatsby", "9780743273565",
		"Scribner", "desc", 4.0, 10)
	var b = insertBook(t, store, "Great Gatsby (Special Edition)", "9780743273565",
		"", "", 0, 0)
	linkAuthor(t, store, a, "F. Scott Fitzgerald")
	linkAuthor(t, store, b, "F. Scott Fitzgerald")
	insertBook(t, store, "Dune", "9780441013593", "Ace", "", 0, 0)

	engine, err := NewEngine(store, Options{AutoMerge: true})
	require.NoError(t, err)

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Scanned)
	require.Equal(t, 1, report.Matches)
	require.Equal(t, 1, report.MergedGroups)
	require.Equal(t, 1, report.MergedBooks)

	var remaining int
	require.NoError(t, store.GetContext(ctx, &remaining, `SELECT COUNT(*) FROM books`))
	require.Equal(t, 2, remaining)
	require.Equal(t, a, report.Groups[0].PrimaryID, "the richer record survives")
}

func TestEngineRunLeavesReviewGroupsUntouched(t *testing.T) {
	var store = newDedupStore(t)
	var ctx = context.Background()

	// Content-signature matches carry 0.85 confidence: review, not merge.
	var a = insertBook(t, store, "Dune", "", "", "", 0, 0)
	var b = insertBook(t, store, "Dunes", "", "", "", 0, 0)
	linkAuthor(t, store, a, "Frank Herbert")
	linkAuthor(t, store, b, "Someone Else Entirely")
	addFile(t, store, a, 4096)
	addFile(t, store, b, 4096)

	engine, err := NewEngine(store, Options{AutoMerge: true})
	require.NoError(t, err)

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)
	require.Equal(t, ActionReview, report.Groups[0].Action)
	require.Zero(t, report.MergedGroups)

	var remaining int
	require.NoError(t, store.GetContext(ctx, &remaining, `SELECT COUNT(*) FROM books`))
	require.Equal(t, 2, remaining)
}
