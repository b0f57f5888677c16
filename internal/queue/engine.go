// Package queue implements the concurrent download engine: a prioritized
// scheduler, streaming transfers under a shared bandwidth cap, failure
// classification, and retry with backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fabienpiette/folio_fox/internal/breaker"
	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// IndexerEvents receives download outcomes that matter to indexer health
// tracking. Implemented by the health monitor.
type IndexerEvents interface {
	NoteIndexerSuccess(ctx context.Context, indexerID int64)
}

// Options configure the Engine.
type Options struct {
	DownloadDir       string
	MaxConcurrent     int
	ProcessInterval   time.Duration
	StaleAfter        time.Duration
	ItemTimeout       time.Duration // per-item transfer timeout
	BandwidthLimitKBs int
	Limits            ResourceLimits
}

// DefaultOptions match the production defaults.
func DefaultOptions() Options {
	return Options{
		DownloadDir:     "./downloads",
		MaxConcurrent:   3,
		ProcessInterval: 10 * time.Second,
		StaleAfter:      time.Hour,
		ItemTimeout:     300 * time.Second,
		Limits: ResourceLimits{
			MaxCPUPercent:    80,
			MaxMemoryPercent: 85,
			MaxDiskPercent:   90,
		},
	}
}

// Engine drives the download queue.
type Engine struct {
	store     *catalog.Store
	registry  *breaker.Registry
	events    IndexerEvents
	opts      Options
	client    *http.Client
	bandwidth *Bandwidth
	resources *ResourceChecker

	active atomic.Int64
	wg     sync.WaitGroup

	lastOptimize time.Time
}

// NewEngine builds an Engine. |registry| and |events| may be nil; downloads
// then run without breaker gating or health feedback.
func NewEngine(store *catalog.Store, registry *breaker.Registry, events IndexerEvents, opts Options) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = DefaultOptions().ProcessInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions().StaleAfter
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultOptions().ItemTimeout
	}
	if opts.Limits == (ResourceLimits{}) {
		opts.Limits = DefaultOptions().Limits
	}
	return &Engine{
		store:     store,
		registry:  registry,
		events:    events,
		opts:      opts,
		client:    &http.Client{Timeout: opts.ItemTimeout},
		bandwidth: NewBandwidth(opts.BandwidthLimitKBs),
		resources: NewResourceChecker(opts.Limits, opts.DownloadDir),
	}
}

// Run processes the queue until the context is cancelled, then waits for
// in-flight downloads to settle.
func (e *Engine) Run(ctx context.Context) error {
	var ticker = time.NewTicker(e.opts.ProcessInterval)
	defer ticker.Stop()

	log.WithFields(log.Fields{
		"max_concurrent": e.opts.MaxConcurrent,
		"interval":       e.opts.ProcessInterval,
	}).Info("download engine started")

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass: stale recovery, periodic priority
// optimization, the resource gate, and claiming pending items into free
// slots.
func (e *Engine) Tick(ctx context.Context) {
	if n, err := e.store.ResetStale(ctx, time.Now().Add(-e.opts.StaleAfter)); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("stale download recovery failed")
	} else if n > 0 {
		staleResets.Add(float64(n))
		log.WithFields(log.Fields{"count": n}).Warn("re-queued stale downloads")
	}

	if time.Since(e.lastOptimize) >= time.Hour {
		e.lastOptimize = time.Now()
		var underLoad = float64(e.active.Load()) >= 0.8*float64(e.opts.MaxConcurrent)
		if n, err := e.store.OptimizePriorities(ctx, time.Now().Add(-2*time.Hour), underLoad); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("priority optimization failed")
		} else if n > 0 {
			log.WithFields(log.Fields{"count": n}).Info("adjusted pending item priorities")
		}
	}

	// Destructive maintenance (VACUUM, REINDEX) holds an advisory exclusive
	// session; in-flight transfers finish, but no new ones start.
	if e.store.ExclusiveHeld() {
		log.Debug("maintenance holds the catalog; deferring new downloads")
		return
	}

	if constrained, reason := e.resources.Constrained(ctx); constrained {
		resourceSkips.Inc()
		log.WithFields(log.Fields{"reason": reason}).Warn("resources constrained; skipping scheduler pass")
		return
	}

	var slots = e.opts.MaxConcurrent - int(e.active.Load())
	if slots <= 0 {
		return
	}

	items, err := e.store.NextPending(ctx, slots)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("fetching pending downloads failed")
		return
	}

	for i := range items {
		var item = items[i]
		if err := e.store.ClaimForDownload(ctx, item.ID); err != nil {
			if !errors.Is(err, catalog.ErrConflict) {
				log.WithFields(log.Fields{"item": item.ID, "error": err}).Error("claim failed")
			}
			continue
		}

		e.active.Add(1)
		e.wg.Add(1)
		activeDownloads.Inc()
		go func() {
			defer func() {
				e.active.Add(-1)
				e.wg.Done()
				activeDownloads.Dec()
			}()
			e.process(ctx, &item)
		}()
	}
}

// process runs one claimed item to a terminal or re-queued state.
func (e *Engine) process(ctx context.Context, item *catalog.QueueItem) {
	var outcome downloadOutcome

	if b := e.breakerFor(item); b != nil {
		var execErr = b.Execute(func() error {
			outcome = e.download(ctx, item)
			return outcome.err
		})
		if execErr != nil && outcome.err == nil {
			// Breaker refused the attempt; nothing was transferred.
			outcome.err = execErr
		}
	} else {
		outcome = e.download(ctx, item)
	}

	if outcome.err == nil {
		e.finalize(ctx, item, catalog.FinalizeResult{
			Status:       catalog.StatusCompleted,
			DownloadPath: outcome.path,
			BytesWritten: outcome.bytes,
			Duration:     outcome.duration,
		})
		downloadsCompleted.Inc()
		if e.events != nil && item.IndexerID.Valid {
			e.events.NoteIndexerSuccess(ctx, item.IndexerID.Int64)
		}
		return
	}

	e.handleFailure(ctx, item, outcome)
}

// handleFailure classifies a failed attempt and either re-queues the item
// with a retry delay or fails it for good.
func (e *Engine) handleFailure(ctx context.Context, item *catalog.QueueItem, outcome downloadOutcome) {
	var kind = ClassifyFailure(outcome.err)
	var errText = outcome.err.Error()
	downloadsFailed.WithLabelValues(string(kind)).Inc()

	log.WithFields(log.Fields{
		"item":  item.ID,
		"title": item.Title,
		"kind":  kind,
		"error": errText,
	}).Warn("download attempt failed")

	// Local resource failures are an operator problem, not the source's;
	// surface them in the system log.
	if kind == KindDiskFull || kind == KindPermission {
		e.store.LogEvent(ctx, "ERROR", "queue",
			fmt.Sprintf("local resource failure on item %d (%s)", item.ID, item.Title), errText)
	}

	if ShouldRetry(ctx, e.store, item, kind, errText) {
		var delay, retriable = RetryDelay(kind, item.RetryCount)
		if retriable {
			e.finalize(ctx, item, catalog.FinalizeResult{
				Status:       catalog.StatusPending,
				ErrorMessage: errText,
				NextRetryAt:  time.Now().Add(delay),
				BumpRetry:    true,
			})
			retriesScheduled.WithLabelValues(string(kind)).Inc()
			log.WithFields(log.Fields{
				"item":  item.ID,
				"retry": item.RetryCount + 1,
				"delay": delay.Round(time.Second),
			}).Info("download re-queued for retry")
			return
		}
	}

	e.finalize(ctx, item, catalog.FinalizeResult{
		Status:       catalog.StatusFailed,
		ErrorMessage: errText,
		BytesWritten: outcome.bytes,
		Duration:     outcome.duration,
		// The retry counter never passes its budget, even on the final
		// failing attempt.
		BumpRetry: item.RetryCount < item.MaxRetries,
	})
}

func (e *Engine) finalize(ctx context.Context, item *catalog.QueueItem, r catalog.FinalizeResult) {
	if err := e.store.FinalizeDownload(ctx, item, r); err != nil {
		log.WithFields(log.Fields{"item": item.ID, "error": err}).
			Error("finalizing download failed")
	}
}

func (e *Engine) breakerFor(item *catalog.QueueItem) *breaker.Breaker {
	if e.registry == nil || !item.IndexerID.Valid {
		return nil
	}
	return e.registry.Get(item.IndexerID.Int64)
}

// Report summarizes queue state for logs and operators.
type Report struct {
	ByStatus map[string]int64
	Active   int64
}

// Report returns current queue counts.
func (e *Engine) Report(ctx context.Context) (*Report, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Report{ByStatus: counts, Active: e.active.Load()}, nil
}
