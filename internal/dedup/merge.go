package dedup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// fillableColumns are book columns copied from a duplicate when the
// primary's value is NULL or empty. Description and rating have their own
// richer rules below.
var fillableColumns = []string{
	"subtitle", "isbn_10", "isbn_13", "asin", "goodreads_id",
	"google_books_id", "publication_date", "page_count", "language",
	"publisher", "cover_url",
}

// Merge folds every duplicate in the group into its primary inside one
// transaction: files, history, and queue rows are repointed, missing
// primary metadata is filled from duplicates, and the duplicates are
// deleted. Any error rolls the whole group back.
func Merge(ctx context.Context, store *catalog.Store, group *Group) error {
	var duplicates []int64
	for _, id := range group.MemberIDs {
		if id != group.PrimaryID {
			duplicates = append(duplicates, id)
		}
	}
	if len(duplicates) == 0 {
		return nil
	}

	var err = store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, dupID := range duplicates {
			if err := mergeOne(ctx, tx, group.PrimaryID, dupID); err != nil {
				return fmt.Errorf("merging book %d into %d: %w", dupID, group.PrimaryID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Merges destroy rows; the audit trail of what was folded into what
	// lives in system_logs.
	var details, _ = json.Marshal(struct {
		PrimaryID  int64   `json:"primary_id"`
		MergedIDs  []int64 `json:"merged_ids"`
		MemberIDs  []int64 `json:"member_ids_before"`
		Confidence float64 `json:"confidence"`
		Action     string  `json:"action"`
	}{group.PrimaryID, duplicates, group.MemberIDs, group.Confidence, group.Action})
	store.LogEvent(ctx, "INFO", "dedup",
		fmt.Sprintf("merged %d duplicates into book %d", len(duplicates), group.PrimaryID),
		string(details))

	merges.Add(float64(len(duplicates)))
	log.WithFields(log.Fields{
		"primary":    group.PrimaryID,
		"duplicates": duplicates,
		"confidence": group.Confidence,
	}).Info("merged duplicate group")
	return nil
}

func mergeOne(ctx context.Context, tx *sqlx.Tx, primaryID, dupID int64) error {
	// Repoint ownership rows before touching metadata, so a failure here
	// aborts the merge with nothing half-moved.
	for _, table := range []string{"book_files", "download_history", "download_queue"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET book_id = ? WHERE book_id = ?`, table),
			primaryID, dupID); err != nil {
			return fmt.Errorf("repointing %s: %w", table, err)
		}
	}

	// Carry over author and genre links the primary lacks.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO book_authors (book_id, author_id, role)
		SELECT ?, author_id, role FROM book_authors WHERE book_id = ?`,
		primaryID, dupID); err != nil {
		return fmt.Errorf("merging author links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO book_genres (book_id, genre_id)
		SELECT ?, genre_id FROM book_genres WHERE book_id = ?`,
		primaryID, dupID); err != nil {
		return fmt.Errorf("merging genre links: %w", err)
	}

	// Fill NULL metadata on the primary from the duplicate.
	for _, col := range fillableColumns {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE books SET %[1]s = (SELECT %[1]s FROM books WHERE id = ?)
			WHERE id = ?
			  AND (%[1]s IS NULL OR %[1]s = '')
			  AND (SELECT %[1]s FROM books WHERE id = ?) IS NOT NULL`, col),
			dupID, primaryID, dupID); err != nil {
			return fmt.Errorf("filling column %s: %w", col, err)
		}
	}

	// The longer description wins; more words usually means the richer
	// source.
	if _, err := tx.ExecContext(ctx, `
		UPDATE books SET description = (SELECT description FROM books WHERE id = ?)
		WHERE id = ?
		  AND COALESCE(LENGTH((SELECT description FROM books WHERE id = ?)), 0)
		      > COALESCE(LENGTH(description), 0)`,
		dupID, primaryID, dupID); err != nil {
		return fmt.Errorf("merging description: %w", err)
	}

	// The rating backed by more votes wins, as a pair.
	if _, err := tx.ExecContext(ctx, `
		UPDATE books
		SET rating_average = (SELECT rating_average FROM books WHERE id = ?),
		    rating_count = (SELECT rating_count FROM books WHERE id = ?)
		WHERE id = ?
		  AND (SELECT rating_count FROM books WHERE id = ?) > rating_count`,
		dupID, dupID, primaryID, dupID); err != nil {
		return fmt.Errorf("merging rating: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE books SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, primaryID); err != nil {
		return fmt.Errorf("touching primary: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, dupID); err != nil {
		return fmt.Errorf("deleting duplicate: %w", err)
	}
	return nil
}
