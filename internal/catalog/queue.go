package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Enqueue inserts a new pending queue item and returns its id.
func (s *Store) Enqueue(ctx context.Context, item *QueueItem) (int64, error) {
	res, err := s.ExecContext(ctx, `
		INSERT INTO download_queue
			(user_id, book_id, title, author_name, indexer_id, download_url,
			 file_format, file_size_bytes, priority, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.UserID, item.BookID, item.Title, item.AuthorName, item.IndexerID,
		item.DownloadURL, item.FileFormat, item.FileSizeBytes, item.Priority,
		item.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("enqueuing %q: %w", item.Title, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted queue id: %w", err)
	}
	return id, nil
}

// GetQueueItem fetches a queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*QueueItem, error) {
	var item QueueItem
	var err = s.GetContext(ctx, &item, `SELECT * FROM download_queue WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("fetching queue item %d: %w", id, err)
	}
	return &item, nil
}

// NextPending returns up to |limit| schedulable pending items, highest
// priority first (priority 1 is highest), fresh items before retries, and
// oldest first within a tier. Items waiting on a retry delay are excluded.
func (s *Store) NextPending(ctx context.Context, limit int) ([]QueueItem, error) {
	var items []QueueItem
	var err = s.SelectContext(ctx, &items, `
		SELECT * FROM download_queue
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= CURRENT_TIMESTAMP)
		ORDER BY priority ASC, retry_count = 0 DESC, created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching pending queue items: %w", err)
	}
	return items, nil
}

// ClaimForDownload transitions an item from pending to downloading. The
// WHERE clause on the current status makes the claim a compare-and-swap:
// if another scheduler pass already claimed it, ErrConflict is returned.
func (s *Store) ClaimForDownload(ctx context.Context, id int64) error {
	res, err := s.ExecContext(ctx, `
		UPDATE download_queue
		SET status = 'downloading',
		    started_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP,
		    error_message = NULL
		WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("claiming queue item %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading claim result for item %d: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateProgress records download progress for a running item.
func (s *Store) UpdateProgress(ctx context.Context, id int64, pct int) error {
	var _, err = s.ExecContext(ctx, `
		UPDATE download_queue
		SET progress_percentage = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, pct, id)
	if err != nil {
		return fmt.Errorf("updating progress of item %d: %w", id, err)
	}
	return nil
}

// FinalizeResult captures the terminal outcome of a download attempt.
type FinalizeResult struct {
	Status       string // completed, failed, or pending (re-queued for retry)
	DownloadPath string
	ErrorMessage string
	BytesWritten int64
	Duration     time.Duration
	NextRetryAt  time.Time // consulted only when Status is pending
	BumpRetry    bool
}

// FinalizeDownload applies a terminal download outcome in one transaction:
// the queue row update, the history entry, and the daily stats row all
// commit together or not at all.
func (s *Store) FinalizeDownload(ctx context.Context, item *QueueItem, r FinalizeResult) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var retryCount = item.RetryCount
		if r.BumpRetry {
			retryCount++
		}

		var nextRetry interface{}
		if r.Status == StatusPending && !r.NextRetryAt.IsZero() {
			nextRetry = sqlTime(r.NextRetryAt)
		}
		var completedAt interface{}
		if r.Status == StatusCompleted || r.Status == StatusFailed {
			completedAt = sqlTime(time.Now())
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE download_queue
			SET status = ?,
			    download_path = NULLIF(?, ''),
			    error_message = NULLIF(?, ''),
			    retry_count = ?,
			    next_retry_at = ?,
			    progress_percentage = CASE WHEN ? = 'completed' THEN 100 ELSE progress_percentage END,
			    completed_at = ?,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			r.Status, r.DownloadPath, r.ErrorMessage, retryCount, nextRetry,
			r.Status, completedAt, item.ID); err != nil {
			return fmt.Errorf("finalizing queue item %d: %w", item.ID, err)
		}

		// Re-queued retries update only the queue row; history and stats
		// record terminal outcomes.
		if r.Status != StatusCompleted && r.Status != StatusFailed {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO download_history
				(queue_id, user_id, book_id, indexer_id, title, author_name,
				 file_format, file_size_bytes, download_duration_seconds,
				 final_status, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
			item.ID, item.UserID, item.BookID, item.IndexerID, item.Title,
			item.AuthorName, item.FileFormat, r.BytesWritten,
			int64(r.Duration.Seconds()), r.Status, r.ErrorMessage); err != nil {
			return fmt.Errorf("recording history of item %d: %w", item.ID, err)
		}

		var completed, failed int64
		if r.Status == StatusCompleted {
			completed = 1
		} else {
			failed = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO download_stats (date, total_downloads, successful_downloads, failed_downloads, total_bytes)
			VALUES (date('now'), 1, ?, ?, ?)
			ON CONFLICT (date) DO UPDATE SET
				total_downloads = total_downloads + 1,
				successful_downloads = successful_downloads + excluded.successful_downloads,
				failed_downloads = failed_downloads + excluded.failed_downloads,
				total_bytes = total_bytes + excluded.total_bytes`,
			completed, failed, r.BytesWritten); err != nil {
			return fmt.Errorf("updating download stats: %w", err)
		}
		return nil
	})
}

// ResetStale re-queues items stuck in downloading since before |cutoff|,
// typically left behind by a crashed task. The retry budget is preserved:
// a crash is not the item's fault.
func (s *Store) ResetStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.ExecContext(ctx, `
		UPDATE download_queue
		SET status = 'pending',
		    progress_percentage = 0,
		    updated_at = CURRENT_TIMESTAMP
		WHERE status = 'downloading' AND updated_at < ?`, sqlTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("resetting stale downloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading stale reset count: %w", err)
	}
	return n, nil
}

// CountByStatus returns queue item counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := s.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM download_queue GROUP BY status`); err != nil {
		return nil, fmt.Errorf("counting queue by status: %w", err)
	}
	var out = make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// ActiveCount returns the number of items currently downloading.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	if err := s.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM download_queue WHERE status = 'downloading'`); err != nil {
		return 0, fmt.Errorf("counting active downloads: %w", err)
	}
	return n, nil
}

// smallItemBytes is the size under which an item counts as cheap to slip
// in while the engine is near its concurrency limit.
const smallItemBytes = 10 * 1024 * 1024

// OptimizePriorities rebalances pending item priorities, one step per call,
// always staying within 1..10: items waiting since before |olderThan| rise
// (priority decrements toward 1), items already retried twice or more sink
// (priority increments toward 10), and when |underLoad| is set small items
// rise so cheap transfers fill the remaining slots.
func (s *Store) OptimizePriorities(ctx context.Context, olderThan time.Time, underLoad bool) (int64, error) {
	var total int64
	var steps = []struct {
		name string
		sql  string
		args []interface{}
		skip bool
	}{
		{
			name: "age",
			sql: `UPDATE download_queue
			      SET priority = priority - 1, updated_at = CURRENT_TIMESTAMP
			      WHERE status = 'pending' AND priority > 1 AND created_at < ?`,
			args: []interface{}{sqlTime(olderThan)},
		},
		{
			name: "retries",
			sql: `UPDATE download_queue
			      SET priority = priority + 1, updated_at = CURRENT_TIMESTAMP
			      WHERE status = 'pending' AND priority < 10 AND retry_count >= 2`,
		},
		{
			name: "small",
			sql: `UPDATE download_queue
			      SET priority = priority - 1, updated_at = CURRENT_TIMESTAMP
			      WHERE status = 'pending' AND priority > 1
			        AND file_size_bytes IS NOT NULL AND file_size_bytes < ?`,
			args: []interface{}{smallItemBytes},
			skip: !underLoad,
		},
	}
	for _, step := range steps {
		if step.skip {
			continue
		}
		res, err := s.ExecContext(ctx, step.sql, step.args...)
		if err != nil {
			return total, fmt.Errorf("optimizing priorities (%s): %w", step.name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("reading priority %s count: %w", step.name, err)
		}
		total += n
	}
	return total, nil
}

// IndexerFailuresSince counts failed download attempts through |indexerID|
// recorded in history since |since|.
func (s *Store) IndexerFailuresSince(ctx context.Context, indexerID int64, since time.Time) (int, error) {
	var n int
	var err = s.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM download_history
		WHERE indexer_id = ? AND final_status = 'failed' AND completed_at >= ?`,
		indexerID, sqlTime(since))
	if err != nil {
		return 0, fmt.Errorf("counting indexer %d failures: %w", indexerID, err)
	}
	return n, nil
}
