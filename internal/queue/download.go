package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

const (
	downloadChunkSize = 8 * 1024
	progressInterval  = 2 * time.Second
	maxTitleLength    = 200
)

// sanitizeTitle makes a queue title safe as a filename: filesystem-special
// characters stripped, whitespace collapsed, length capped.
func sanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	var clean = strings.Join(strings.Fields(b.String()), " ")
	if runes := []rune(clean); len(runes) > maxTitleLength {
		clean = strings.TrimSpace(string(runes[:maxTitleLength]))
	}
	if clean == "" {
		clean = "untitled"
	}
	return clean
}

// downloadOutcome is what one transfer attempt produced.
type downloadOutcome struct {
	path     string
	bytes    int64
	duration time.Duration
	err      error
}

// download streams the item's URL into a temp file and atomically renames
// it into place. The temp file is removed on every failure path; partial
// transfers never survive as catalog files.
func (e *Engine) download(ctx context.Context, item *catalog.QueueItem) downloadOutcome {
	var started = time.Now()
	var outcome = func(path string, n int64, err error) downloadOutcome {
		return downloadOutcome{path: path, bytes: n, duration: time.Since(started), err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.DownloadURL, nil)
	if err != nil {
		return outcome("", 0, fmt.Errorf("building request: %w", err))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return outcome("", 0, fmt.Errorf("requesting %s: %w", item.DownloadURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return outcome("", 0, &statusError{code: resp.StatusCode, url: item.DownloadURL})
	}

	var format = strings.TrimPrefix(strings.ToLower(item.FileFormat), ".")
	if format == "" {
		format = "bin"
	}
	var tempPath = filepath.Join(e.opts.DownloadDir,
		fmt.Sprintf("temp_%d_%d.%s", item.ID, time.Now().UnixNano(), format))

	tempFile, err := os.Create(tempPath)
	if err != nil {
		return outcome("", 0, fmt.Errorf("creating temp file: %w", err))
	}
	defer os.Remove(tempPath) // no-op once renamed away

	written, copyErr := e.copyWithProgress(ctx, item, tempFile, resp.Body, resp.ContentLength)
	if closeErr := tempFile.Close(); copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("closing temp file: %w", closeErr)
	}
	if copyErr != nil {
		return outcome("", written, copyErr)
	}

	// A Content-Length mismatch means a truncated or padded body; absent
	// Content-Length the server gave no expectation to check against.
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return outcome("", written, &sizeMismatchError{want: resp.ContentLength, got: written})
	}

	var finalPath = filepath.Join(e.opts.DownloadDir,
		fmt.Sprintf("%s.%s", sanitizeTitle(item.Title), format))
	if _, err := os.Stat(finalPath); err == nil {
		finalPath = filepath.Join(e.opts.DownloadDir,
			fmt.Sprintf("%s_%d.%s", sanitizeTitle(item.Title), item.ID, format))
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return outcome("", written, fmt.Errorf("moving into place: %w", err))
	}

	log.WithFields(log.Fields{
		"item":  item.ID,
		"title": item.Title,
		"bytes": written,
		"path":  finalPath,
	}).Info("download completed")
	return outcome(finalPath, written, nil)
}

// copyWithProgress streams the body in fixed chunks through the bandwidth
// bucket, persisting progress at a bounded cadence.
func (e *Engine) copyWithProgress(ctx context.Context, item *catalog.QueueItem, dst io.Writer, src io.Reader, total int64) (int64, error) {
	var reader = io.Reader(src)
	if e.bandwidth != nil {
		reader = &throttledReader{ctx: ctx, r: src, bw: e.bandwidth}
	}

	var buf = make([]byte, downloadChunkSize)
	var written int64
	var lastFlush = time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("writing temp file: %w", writeErr)
			}
			written += int64(n)

			if total > 0 && time.Since(lastFlush) >= progressInterval {
				lastFlush = time.Now()
				var pct = int(written * 100 / total)
				if err := e.store.UpdateProgress(ctx, item.ID, pct); err != nil {
					log.WithFields(log.Fields{"item": item.ID, "error": err}).
						Debug("progress update failed")
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("reading response: %w", readErr)
		}
	}
}
