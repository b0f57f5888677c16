package catalog

import (
	"database/sql"
	"time"
)

// sqlTime formats a timestamp the way CURRENT_TIMESTAMP stores them, so
// bound parameters compare correctly against stored values.
func sqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// Queue item statuses.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
	StatusPaused      = "paused"
)

// Indexer kinds.
const (
	IndexerProwlarr = "prowlarr"
	IndexerJackett  = "jackett"
	IndexerGeneric  = "generic"
)

// Book is a row of the books table.
type Book struct {
	ID              int64           `db:"id"`
	Title           string          `db:"title"`
	Subtitle        sql.NullString  `db:"subtitle"`
	Description     sql.NullString  `db:"description"`
	ISBN10          sql.NullString  `db:"isbn_10"`
	ISBN13          sql.NullString  `db:"isbn_13"`
	ASIN            sql.NullString  `db:"asin"`
	GoodreadsID     sql.NullString  `db:"goodreads_id"`
	GoogleBooksID   sql.NullString  `db:"google_books_id"`
	PublicationDate sql.NullString  `db:"publication_date"`
	PageCount       sql.NullInt64   `db:"page_count"`
	Language        sql.NullString  `db:"language"`
	Publisher       sql.NullString  `db:"publisher"`
	RatingAverage   sql.NullFloat64 `db:"rating_average"`
	RatingCount     int64           `db:"rating_count"`
	CoverURL        sql.NullString  `db:"cover_url"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// BookFile is a row of the book_files table.
type BookFile struct {
	ID            int64          `db:"id"`
	BookID        int64          `db:"book_id"`
	Format        string         `db:"format"`
	FileSizeBytes sql.NullInt64  `db:"file_size_bytes"`
	FilePath      sql.NullString `db:"file_path"`
	QualityScore  int64          `db:"quality_score"`
	CreatedAt     time.Time      `db:"created_at"`
}

// Indexer is a row of the indexers table.
type Indexer struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	BaseURL     string         `db:"base_url"`
	APIKey      sql.NullString `db:"api_key"`
	IndexerType string         `db:"indexer_type"`
	Priority    int64          `db:"priority"`
	IsEnabled   bool           `db:"is_enabled"`
	CreatedAt   time.Time      `db:"created_at"`
}

// HealthSample is a row of the indexer_health table.
type HealthSample struct {
	ID             int64          `db:"id"`
	IndexerID      int64          `db:"indexer_id"`
	Status         string         `db:"status"`
	ResponseTimeMs sql.NullInt64  `db:"response_time_ms"`
	ErrorMessage   sql.NullString `db:"error_message"`
	CheckedAt      time.Time      `db:"checked_at"`
}

// QueueItem is a row of the download_queue table.
type QueueItem struct {
	ID                 int64          `db:"id"`
	UserID             sql.NullInt64  `db:"user_id"`
	BookID             sql.NullInt64  `db:"book_id"`
	Title              string         `db:"title"`
	AuthorName         sql.NullString `db:"author_name"`
	IndexerID          sql.NullInt64  `db:"indexer_id"`
	DownloadURL        string         `db:"download_url"`
	FileFormat         string         `db:"file_format"`
	FileSizeBytes      sql.NullInt64  `db:"file_size_bytes"`
	Priority           int64          `db:"priority"`
	Status             string         `db:"status"`
	ProgressPercentage int64          `db:"progress_percentage"`
	DownloadPath       sql.NullString `db:"download_path"`
	ErrorMessage       sql.NullString `db:"error_message"`
	RetryCount         int64          `db:"retry_count"`
	MaxRetries         int64          `db:"max_retries"`
	NextRetryAt        sql.NullTime   `db:"next_retry_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

// HistoryEntry is a row of the download_history table.
type HistoryEntry struct {
	ID              int64          `db:"id"`
	QueueID         int64          `db:"queue_id"`
	UserID          sql.NullInt64  `db:"user_id"`
	BookID          sql.NullInt64  `db:"book_id"`
	IndexerID       sql.NullInt64  `db:"indexer_id"`
	Title           string         `db:"title"`
	AuthorName      sql.NullString `db:"author_name"`
	FileFormat      sql.NullString `db:"file_format"`
	FileSizeBytes   sql.NullInt64  `db:"file_size_bytes"`
	DurationSeconds sql.NullInt64  `db:"download_duration_seconds"`
	FinalStatus     string         `db:"final_status"`
	ErrorMessage    sql.NullString `db:"error_message"`
	CompletedAt     time.Time      `db:"completed_at"`
}

// MaintenanceTask is a row of the maintenance_tasks table.
type MaintenanceTask struct {
	ID              string          `db:"id"`
	RunID           string          `db:"run_id"`
	TaskType        string          `db:"task_type"`
	Status          string          `db:"status"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	DurationSeconds sql.NullFloat64 `db:"duration_seconds"`
	Details         sql.NullString  `db:"details"`
	ErrorMessage    sql.NullString  `db:"error_message"`
	CreatedAt       time.Time       `db:"created_at"`
}

// FailoverEvent is a row of the failover_events table.
type FailoverEvent struct {
	ID                int64        `db:"id"`
	PrimaryIndexerID  int64        `db:"primary_indexer_id"`
	FailoverIndexerID int64        `db:"failover_indexer_id"`
	Reason            string       `db:"reason"`
	Confirmed         bool         `db:"confirmed"`
	CreatedAt         time.Time    `db:"created_at"`
	ConfirmedAt       sql.NullTime `db:"confirmed_at"`
}
