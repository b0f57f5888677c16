package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// BookRecord is a book joined with its authors, genres, and file summary,
// the shape the deduplication engine works over.
type BookRecord struct {
	Book
	Authors       []string
	Genres        []string
	FileCount     int64
	TotalFileSize int64
	MaxQuality    int64
}

// LoadBookRecords loads every book with its authors, genres, and file
// aggregates. Associations are fetched in bulk and stitched in memory
// rather than per-book.
func (s *Store) LoadBookRecords(ctx context.Context) ([]BookRecord, error) {
	var books []Book
	if err := s.SelectContext(ctx, &books, `SELECT * FROM books ORDER BY id`); err != nil {
		return nil, fmt.Errorf("loading books: %w", err)
	}

	var records = make([]BookRecord, len(books))
	var byID = make(map[int64]*BookRecord, len(books))
	for i, b := range books {
		records[i] = BookRecord{Book: b}
		byID[b.ID] = &records[i]
	}

	var authorRows []struct {
		BookID int64  `db:"book_id"`
		Name   string `db:"name"`
	}
	if err := s.SelectContext(ctx, &authorRows, `
		SELECT ba.book_id, a.name
		FROM book_authors ba JOIN authors a ON a.id = ba.author_id
		ORDER BY ba.book_id, a.name`); err != nil {
		return nil, fmt.Errorf("loading book authors: %w", err)
	}
	for _, row := range authorRows {
		if rec, ok := byID[row.BookID]; ok {
			rec.Authors = append(rec.Authors, row.Name)
		}
	}

	var genreRows []struct {
		BookID int64  `db:"book_id"`
		Name   string `db:"name"`
	}
	if err := s.SelectContext(ctx, &genreRows, `
		SELECT bg.book_id, g.name
		FROM book_genres bg JOIN genres g ON g.id = bg.genre_id
		ORDER BY bg.book_id, g.name`); err != nil {
		return nil, fmt.Errorf("loading book genres: %w", err)
	}
	for _, row := range genreRows {
		if rec, ok := byID[row.BookID]; ok {
			rec.Genres = append(rec.Genres, row.Name)
		}
	}

	var fileRows []struct {
		BookID     int64 `db:"book_id"`
		FileCount  int64 `db:"file_count"`
		TotalSize  int64 `db:"total_size"`
		MaxQuality int64 `db:"max_quality"`
	}
	if err := s.SelectContext(ctx, &fileRows, `
		SELECT book_id,
		       COUNT(*) AS file_count,
		       COALESCE(SUM(file_size_bytes), 0) AS total_size,
		       COALESCE(MAX(quality_score), 0) AS max_quality
		FROM book_files GROUP BY book_id`); err != nil {
		return nil, fmt.Errorf("loading book file aggregates: %w", err)
	}
	for _, row := range fileRows {
		if rec, ok := byID[row.BookID]; ok {
			rec.FileCount = row.FileCount
			rec.TotalFileSize = row.TotalSize
			rec.MaxQuality = row.MaxQuality
		}
	}

	return records, nil
}

// GetBook fetches a single book row.
func (s *Store) GetBook(ctx context.Context, id int64) (*Book, error) {
	var b Book
	var err = s.GetContext(ctx, &b, `SELECT * FROM books WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("fetching book %d: %w", id, err)
	}
	return &b, nil
}
