package maintenance

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// LogRotator rotates the daemon's log file once it grows past a size
// threshold, compressing rotated segments and keeping a bounded history.
type LogRotator struct {
	path      string
	maxSizeMB int64
	keep      int
}

// NewLogRotator returns a rotator for |path|, or nil when path is empty
// (rotation disabled, e.g. logging to stdout).
func NewLogRotator(path string, maxSizeMB int64, keep int) *LogRotator {
	if path == "" {
		return nil
	}
	if keep < 1 {
		keep = 1
	}
	return &LogRotator{path: path, maxSizeMB: maxSizeMB, keep: keep}
}

// Rotate shifts the current log into the numbered, gzipped history when it
// exceeds the threshold. The live file is truncated rather than renamed,
// so open file handles keep working.
func (r *LogRotator) Rotate() error {
	info, err := os.Stat(r.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stating log file: %w", err)
	}
	if info.Size() < r.maxSizeMB*(1<<20) {
		return nil
	}

	// Shift history up: log.2.gz -> log.3.gz, log.1.gz -> log.2.gz.
	_ = os.Remove(fmt.Sprintf("%s.%d.gz", r.path, r.keep))
	for i := r.keep - 1; i >= 1; i-- {
		var from = fmt.Sprintf("%s.%d.gz", r.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d.gz", r.path, i+1))
		}
	}

	if err := compressLog(r.path, r.path+".1.gz"); err != nil {
		return err
	}
	if err := os.Truncate(r.path, 0); err != nil {
		return fmt.Errorf("truncating log file: %w", err)
	}

	log.WithFields(log.Fields{
		"path":    r.path,
		"size_mb": info.Size() / (1 << 20),
	}).Info("rotated log file")
	return nil
}

func compressLog(src, dst string) error {
	if err := compressFile(src, dst); err != nil {
		return fmt.Errorf("compressing log segment: %w", err)
	}
	return nil
}
