package maintenance

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/gzip"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

const backupTimeLayout = "20060102_150405"

// runBackup snapshots the catalog with VACUUM INTO, verifies the snapshot,
// compresses it, renames it into place atomically, and culls old backups.
// VACUUM INTO gives a consistent copy without blocking writers the way a
// file copy of a live WAL database would.
func (o *Orchestrator) runBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(o.opts.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}

	var stamp = time.Now().Format(backupTimeLayout)
	var rawPath = filepath.Join(o.opts.BackupDir, fmt.Sprintf(".foliofox_backup_%s.db", stamp))
	var finalPath = filepath.Join(o.opts.BackupDir, fmt.Sprintf("foliofox_backup_%s.db.gz", stamp))
	defer os.Remove(rawPath)

	if _, err := o.store.ExecContext(ctx, "VACUUM INTO ?", rawPath); err != nil {
		return "", fmt.Errorf("snapshotting database: %w", err)
	}

	if err := verifyBackup(ctx, rawPath); err != nil {
		return "", err
	}

	if err := compressFile(rawPath, finalPath); err != nil {
		return "", err
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return "", fmt.Errorf("stating backup: %w", err)
	}

	removed, err := o.cullBackups()
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("backup retention cull failed")
	}

	log.WithFields(log.Fields{
		"path":    finalPath,
		"size_mb": info.Size() / (1 << 20),
		"culled":  removed,
	}).Info("backup complete")
	return fmt.Sprintf("wrote %s (%d bytes), culled %d old backups",
		filepath.Base(finalPath), info.Size(), removed), nil
}

// verifyBackup opens the snapshot read-only and runs a quick_check.
func verifyBackup(ctx context.Context, path string) error {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("opening backup for verification: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.GetContext(ctx, &result, "PRAGMA quick_check"); err != nil {
		return fmt.Errorf("verifying backup: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup verification failed: %s", result)
	}
	return nil
}

// compressFile gzips |src| into |dst| via a temp file and atomic rename, so
// a crash mid-compression never leaves a truncated backup under the final
// name.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	var tmp = dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	var gz = gzip.NewWriter(out)
	if _, err = io.Copy(gz, in); err == nil {
		err = gz.Close()
	} else {
		_ = gz.Close()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("compressing %s: %w", src, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("placing backup: %w", err)
	}
	return nil
}

// cullBackups removes backups older than the retention window, judging age
// from the timestamp embedded in the filename. Files whose names do not
// parse are left alone; deleting what we cannot date is how backups get
// lost.
func (o *Orchestrator) cullBackups() (int, error) {
	entries, err := os.ReadDir(o.opts.BackupDir)
	if err != nil {
		return 0, fmt.Errorf("listing backup dir: %w", err)
	}

	var cutoff = time.Now().AddDate(0, 0, -o.opts.BackupRetentionDays)
	var removed int
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var stamp, ok = parseBackupStamp(name)
		if !ok {
			continue
		}
		if stamp.Before(cutoff) {
			if err := os.Remove(filepath.Join(o.opts.BackupDir, name)); err != nil {
				log.WithFields(log.Fields{"backup": name, "error": err}).
					Warn("removing expired backup failed")
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func parseBackupStamp(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, "foliofox_backup_") || !strings.HasSuffix(name, ".db.gz") {
		return time.Time{}, false
	}
	var stamp = strings.TrimSuffix(strings.TrimPrefix(name, "foliofox_backup_"), ".db.gz")
	t, err := time.ParseInLocation(backupTimeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
