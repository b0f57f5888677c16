// Package config defines the foliofox daemon configuration.
package config

import (
	"fmt"
	"time"
)

// Catalog configures the SQLite catalog database.
type Catalog struct {
	Path        string `long:"path" env:"PATH" default:"./data/foliofox.db" description:"Path of the SQLite catalog database"`
	MaxOpenConn int    `long:"max-open-conns" env:"MAX_OPEN_CONNS" default:"25" description:"Maximum open database connections"`
	MaxIdleConn int    `long:"max-idle-conns" env:"MAX_IDLE_CONNS" default:"5" description:"Maximum idle database connections"`
}

// Queue configures the download queue engine.
type Queue struct {
	DownloadDir       string        `long:"download-dir" env:"DOWNLOAD_DIR" default:"./downloads" description:"Directory completed downloads are written to"`
	MaxConcurrent     int           `long:"max-concurrent" env:"MAX_CONCURRENT" default:"3" description:"Maximum downloads running at once"`
	ProcessInterval   time.Duration `long:"process-interval" env:"PROCESS_INTERVAL" default:"10s" description:"Scheduler tick interval"`
	StaleAfter        time.Duration `long:"stale-after" env:"STALE_AFTER" default:"60m" description:"Age after which a running download is presumed dead and re-queued"`
	ItemTimeout       time.Duration `long:"item-timeout" env:"ITEM_TIMEOUT" default:"300s" description:"Per-download transfer timeout"`
	BandwidthLimitKBs int           `long:"bandwidth-limit-kbs" env:"BANDWIDTH_LIMIT_KBS" default:"0" description:"Global download bandwidth cap in KiB/s (0 disables)"`
	MaxCPUPercent     float64       `long:"max-cpu-percent" env:"MAX_CPU_PERCENT" default:"80" description:"Skip scheduling above this CPU usage"`
	MaxMemoryPercent  float64       `long:"max-memory-percent" env:"MAX_MEMORY_PERCENT" default:"85" description:"Skip scheduling above this memory usage"`
	MaxDiskPercent    float64       `long:"max-disk-percent" env:"MAX_DISK_PERCENT" default:"90" description:"Skip scheduling above this disk usage"`
}

// Health configures the indexer health monitor.
type Health struct {
	CheckInterval       time.Duration `long:"check-interval" env:"CHECK_INTERVAL" default:"300s" description:"Interval between health sweeps"`
	MaxConcurrentChecks int64         `long:"max-concurrent-checks" env:"MAX_CONCURRENT_CHECKS" default:"5" description:"Probes allowed in flight at once"`
	ProbeTimeout        time.Duration `long:"probe-timeout" env:"PROBE_TIMEOUT" default:"30s" description:"Per-probe HTTP timeout"`
	FailureThreshold    int           `long:"failure-threshold" env:"FAILURE_THRESHOLD" default:"5" description:"Consecutive failures before an indexer is down and its breaker trips"`
	RecoveryTimeout     time.Duration `long:"recovery-timeout" env:"RECOVERY_TIMEOUT" default:"60s" description:"How long a tripped breaker stays open"`
	SelectionStrategy   string        `long:"selection-strategy" env:"SELECTION_STRATEGY" default:"intelligent" choice:"round_robin" choice:"priority" choice:"response_time" choice:"load_balanced" choice:"intelligent" description:"Indexer load-balancing strategy"`
}

// Maintenance configures the nightly maintenance run.
type Maintenance struct {
	Hour             int           `long:"hour" env:"HOUR" default:"3" description:"Local hour of day maintenance runs at"`
	BackupDir        string        `long:"backup-dir" env:"BACKUP_DIR" default:"./backups" description:"Directory database backups are written to"`
	BackupRetention  int           `long:"backup-retention" env:"BACKUP_RETENTION" default:"7" description:"Days of backups to keep"`
	LogRetention     int           `long:"log-retention" env:"LOG_RETENTION" default:"30" description:"Days of system log rows to keep"`
	HistoryRetention int           `long:"history-retention" env:"HISTORY_RETENTION" default:"90" description:"Days of completed download history to keep"`
	VacuumMinSizeMB  int64         `long:"vacuum-min-size-mb" env:"VACUUM_MIN_SIZE_MB" default:"100" description:"Database size above which VACUUM runs unconditionally"`
	VacuumMinFragPct float64       `long:"vacuum-min-frag-pct" env:"VACUUM_MIN_FRAG_PCT" default:"25" description:"Fragmentation percentage above which VACUUM runs"`
	LogFile          string        `long:"log-file" env:"LOG_FILE" default:"" description:"Daemon log file to rotate (empty disables rotation)"`
	LogMaxSizeMB     int64         `long:"log-max-size-mb" env:"LOG_MAX_SIZE_MB" default:"50" description:"Log file size that triggers rotation"`
	LogKeep          int           `long:"log-keep" env:"LOG_KEEP" default:"5" description:"Rotated log segments to keep"`
	TaskTimeout      time.Duration `long:"task-timeout" env:"TASK_TIMEOUT" default:"30m" description:"Per-task timeout"`
}

// Dedup configures the duplicate detection engine.
type Dedup struct {
	FuzzyThreshold float64 `long:"fuzzy-threshold" env:"FUZZY_THRESHOLD" default:"0.85" description:"Combined title/author similarity required for a fuzzy match"`
	AutoMerge      bool    `long:"auto-merge" env:"AUTO_MERGE" description:"Merge high-confidence duplicate groups without review"`
	CacheSize      int     `long:"cache-size" env:"CACHE_SIZE" default:"4096" description:"Pairwise similarity cache entries"`
}

// Config is the complete foliofox daemon configuration.
type Config struct {
	Catalog     Catalog     `group:"catalog" namespace:"catalog" env-namespace:"FOLIOFOX_CATALOG"`
	Queue       Queue       `group:"queue" namespace:"queue" env-namespace:"FOLIOFOX_QUEUE"`
	Health      Health      `group:"health" namespace:"health" env-namespace:"FOLIOFOX_HEALTH"`
	Maintenance Maintenance `group:"maintenance" namespace:"maintenance" env-namespace:"FOLIOFOX_MAINTENANCE"`
	Dedup       Dedup       `group:"dedup" namespace:"dedup" env-namespace:"FOLIOFOX_DEDUP"`

	AdminAddr string `long:"admin-addr" env:"FOLIOFOX_ADMIN_ADDR" default:":8686" description:"Address of the metrics and health endpoint"`
	LogLevel  string `long:"log-level" env:"FOLIOFOX_LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	LogFormat string `long:"log-format" env:"FOLIOFOX_LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

// Validate checks cross-field constraints go-flags cannot express.
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max-concurrent must be at least 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure-threshold must be at least 1, got %d", c.Health.FailureThreshold)
	}
	if c.Maintenance.Hour < 0 || c.Maintenance.Hour > 23 {
		return fmt.Errorf("maintenance.hour must be within 0..23, got %d", c.Maintenance.Hour)
	}
	if c.Dedup.FuzzyThreshold <= 0 || c.Dedup.FuzzyThreshold > 1 {
		return fmt.Errorf("dedup.fuzzy-threshold must be within (0, 1], got %f", c.Dedup.FuzzyThreshold)
	}
	return nil
}
