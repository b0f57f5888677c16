// Package maintenance runs the scheduled upkeep of the catalog database:
// integrity checks, row retention, query planner statistics, reindexing,
// vacuuming, and verified backups.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// runIntegrityCheck validates page structure and foreign keys. A database
// that fails here stops the run: every later task depends on this one.
func (o *Orchestrator) runIntegrityCheck(ctx context.Context) (string, error) {
	var results []string
	if err := o.store.SelectContext(ctx, &results, "PRAGMA integrity_check"); err != nil {
		return "", fmt.Errorf("running integrity_check: %w", err)
	}
	if len(results) != 1 || results[0] != "ok" {
		return "", fmt.Errorf("integrity check failed: %s", strings.Join(results, "; "))
	}

	var violations []struct {
		Table  string `db:"table"`
		RowID  int64  `db:"rowid"`
		Parent string `db:"parent"`
		FKID   int64  `db:"fkid"`
	}
	if err := o.store.SelectContext(ctx, &violations, "PRAGMA foreign_key_check"); err != nil {
		return "", fmt.Errorf("running foreign_key_check: %w", err)
	}
	if len(violations) > 0 {
		return "", fmt.Errorf("%d foreign key violations, first in table %s",
			len(violations), violations[0].Table)
	}
	return "integrity ok, no foreign key violations", nil
}

// runCleanup enforces row retention. ERROR and CRITICAL log rows are kept
// regardless of age, and the latest health sample per indexer survives so
// breaker reconstruction always has a starting point.
func (o *Orchestrator) runCleanup(ctx context.Context) (string, error) {
	var total int64
	var steps = []struct {
		name string
		sql  string
		args []interface{}
	}{
		{
			"system_logs",
			`DELETE FROM system_logs
			 WHERE created_at < ? AND level NOT IN ('ERROR', 'CRITICAL')`,
			[]interface{}{daysAgo(o.opts.LogRetentionDays)},
		},
		{
			"search_cache",
			`DELETE FROM search_cache WHERE expires_at < CURRENT_TIMESTAMP`,
			nil,
		},
		{
			"indexer_health",
			`DELETE FROM indexer_health
			 WHERE checked_at < ?
			   AND id NOT IN (
			       SELECT MAX(id) FROM indexer_health GROUP BY indexer_id
			   )`,
			[]interface{}{daysAgo(healthRetentionDays)},
		},
		{
			"download_history",
			`DELETE FROM download_history
			 WHERE completed_at < ? AND final_status = 'completed'`,
			[]interface{}{daysAgo(o.opts.HistoryRetentionDays)},
		},
		{
			"maintenance_tasks",
			`DELETE FROM maintenance_tasks
			 WHERE created_at < ? AND status IN ('completed', 'skipped')`,
			[]interface{}{daysAgo(o.opts.HistoryRetentionDays)},
		},
	}

	var details []string
	for _, step := range steps {
		res, err := o.store.ExecContext(ctx, step.sql, step.args...)
		if err != nil {
			return "", fmt.Errorf("cleaning %s: %w", step.name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("reading %s cleanup count: %w", step.name, err)
		}
		total += n
		if n > 0 {
			details = append(details, fmt.Sprintf("%s=%d", step.name, n))
		}
	}

	if total == 0 {
		return "nothing to clean", nil
	}
	return fmt.Sprintf("removed %d rows (%s)", total, strings.Join(details, ", ")), nil
}

// runAnalyze refreshes the query planner statistics.
func (o *Orchestrator) runAnalyze(ctx context.Context) (string, error) {
	if _, err := o.store.ExecContext(ctx, "ANALYZE"); err != nil {
		return "", fmt.Errorf("running ANALYZE: %w", err)
	}
	return "planner statistics refreshed", nil
}

// runReindex rebuilds all indexes.
func (o *Orchestrator) runReindex(ctx context.Context) (string, error) {
	if _, err := o.store.ExecContext(ctx, "REINDEX"); err != nil {
		return "", fmt.Errorf("running REINDEX: %w", err)
	}
	return "indexes rebuilt", nil
}

// runVacuum reclaims free pages, but only when the file is large or
// meaningfully fragmented; vacuuming a compact database is pure write
// amplification.
func (o *Orchestrator) runVacuum(ctx context.Context) (string, error) {
	size, err := o.store.SizeBytes(ctx)
	if err != nil {
		return "", err
	}
	frag, err := o.store.FragmentationPct(ctx)
	if err != nil {
		return "", err
	}

	var sizeMB = size / (1 << 20)
	if sizeMB <= o.opts.VacuumMinSizeMB && frag <= o.opts.VacuumMinFragPct {
		return fmt.Sprintf("not needed: %dMB, %.1f%% fragmented", sizeMB, frag), nil
	}

	var started = time.Now()
	if _, err := o.store.ExecContext(ctx, "VACUUM"); err != nil {
		return "", fmt.Errorf("running VACUUM: %w", err)
	}

	after, err := o.store.SizeBytes(ctx)
	if err != nil {
		after = size
	}
	log.WithFields(log.Fields{
		"before_mb": sizeMB,
		"after_mb":  after / (1 << 20),
		"elapsed":   time.Since(started).Round(time.Millisecond),
	}).Info("vacuum complete")
	return fmt.Sprintf("reclaimed %dMB", (size-after)/(1<<20)), nil
}

// runHealthSnapshot summarizes the latest recorded status of every indexer.
func (o *Orchestrator) runHealthSnapshot(ctx context.Context) (string, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := o.store.SelectContext(ctx, &rows, `
		SELECT h.status AS status, COUNT(*) AS n
		FROM indexer_health h
		JOIN (SELECT MAX(id) AS id FROM indexer_health GROUP BY indexer_id) latest
		  ON latest.id = h.id
		GROUP BY h.status
		ORDER BY h.status`); err != nil {
		return "", fmt.Errorf("reading indexer health: %w", err)
	}
	if len(rows) == 0 {
		return "no indexers sampled yet", nil
	}

	var total int64
	var parts []string
	for _, r := range rows {
		total += r.N
		parts = append(parts, fmt.Sprintf("%s=%d", r.Status, r.N))
	}
	return fmt.Sprintf("%d indexers (%s)", total, strings.Join(parts, ", ")), nil
}

const healthRetentionDays = 30

func daysAgo(days int) string {
	return time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02 15:04:05")
}
