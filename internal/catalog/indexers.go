package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnabledIndexers returns all enabled indexers, highest priority first.
func (s *Store) EnabledIndexers(ctx context.Context) ([]Indexer, error) {
	var out []Indexer
	var err = s.SelectContext(ctx, &out,
		`SELECT * FROM indexers WHERE is_enabled = 1 ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("loading enabled indexers: %w", err)
	}
	return out, nil
}

// GetIndexer fetches an indexer by id.
func (s *Store) GetIndexer(ctx context.Context, id int64) (*Indexer, error) {
	var idx Indexer
	var err = s.GetContext(ctx, &idx, `SELECT * FROM indexers WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("fetching indexer %d: %w", id, err)
	}
	return &idx, nil
}

// RecordHealthSample appends an indexer_health row.
func (s *Store) RecordHealthSample(ctx context.Context, sample *HealthSample) error {
	var _, err = s.ExecContext(ctx, `
		INSERT INTO indexer_health (indexer_id, status, response_time_ms, error_message)
		VALUES (?, ?, ?, NULLIF(?, ''))`,
		sample.IndexerID, sample.Status, sample.ResponseTimeMs, sample.ErrorMessage.String)
	if err != nil {
		return fmt.Errorf("recording health sample for indexer %d: %w", sample.IndexerID, err)
	}
	return nil
}

// LatestHealthSamples returns the most recent |limit| samples for an
// indexer, newest first.
func (s *Store) LatestHealthSamples(ctx context.Context, indexerID int64, limit int) ([]HealthSample, error) {
	var out []HealthSample
	var err = s.SelectContext(ctx, &out, `
		SELECT * FROM indexer_health
		WHERE indexer_id = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT ?`, indexerID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading health samples for indexer %d: %w", indexerID, err)
	}
	return out, nil
}

// ConsecutiveFailures counts the unbroken run of non-healthy samples at the
// head of an indexer's health history. Used to rebuild breaker state after
// a restart.
func (s *Store) ConsecutiveFailures(ctx context.Context, indexerID int64) (int, error) {
	samples, err := s.LatestHealthSamples(ctx, indexerID, 100)
	if err != nil {
		return 0, err
	}
	var streak int
	for _, sample := range samples {
		if sample.Status == "down" || sample.Status == "degraded" && sample.ErrorMessage.Valid {
			streak++
			continue
		}
		break
	}
	return streak, nil
}

// SuccessRateSince reports the share of healthy or recovering samples for
// an indexer since |since|, in percent. An indexer with no samples reports
// 100: absence of evidence is not held against it.
func (s *Store) SuccessRateSince(ctx context.Context, indexerID int64, since time.Time) (float64, error) {
	var row struct {
		Total int64 `db:"total"`
		OK    int64 `db:"ok"`
	}
	var err = s.GetContext(ctx, &row, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN status IN ('healthy', 'recovering') THEN 1 ELSE 0 END), 0) AS ok
		FROM indexer_health
		WHERE indexer_id = ? AND checked_at >= ?`, indexerID, sqlTime(since))
	if err != nil {
		return 0, fmt.Errorf("computing success rate for indexer %d: %w", indexerID, err)
	}
	if row.Total == 0 {
		return 100, nil
	}
	return float64(row.OK) / float64(row.Total) * 100, nil
}

// RecordFailover inserts an unconfirmed failover event and returns its id.
func (s *Store) RecordFailover(ctx context.Context, primaryID, failoverID int64, reason string) (int64, error) {
	res, err := s.ExecContext(ctx, `
		INSERT INTO failover_events (primary_indexer_id, failover_indexer_id, reason)
		VALUES (?, ?, ?)`, primaryID, failoverID, reason)
	if err != nil {
		return 0, fmt.Errorf("recording failover %d -> %d: %w", primaryID, failoverID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading failover event id: %w", err)
	}
	return id, nil
}

// ConfirmFailover marks a failover event successful. Called only once a
// request through the failover target has actually succeeded.
func (s *Store) ConfirmFailover(ctx context.Context, eventID int64) error {
	res, err := s.ExecContext(ctx, `
		UPDATE failover_events
		SET confirmed = 1, confirmed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND confirmed = 0`, eventID)
	if err != nil {
		return fmt.Errorf("confirming failover event %d: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading failover confirmation result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
