package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/fabienpiette/folio_fox/internal/breaker"
	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// Options configure the Monitor.
type Options struct {
	CheckInterval       time.Duration
	MaxConcurrentChecks int64
	ProbeTimeout        time.Duration
	FailureThreshold    int
}

// DefaultOptions match the production defaults.
func DefaultOptions() Options {
	return Options{
		CheckInterval:       5 * time.Minute,
		MaxConcurrentChecks: 5,
		ProbeTimeout:        30 * time.Second,
		FailureThreshold:    5,
	}
}

// Monitor periodically probes every enabled indexer, persists the results,
// keeps the breaker registry's health view current, and hands indexers that
// went down to the failover manager.
type Monitor struct {
	store    *catalog.Store
	registry *breaker.Registry
	prober   *Prober
	failover *Failover
	opts     Options
	sem      *semaphore.Weighted
}

// NewMonitor builds a Monitor over the given store and breaker registry.
func NewMonitor(store *catalog.Store, registry *breaker.Registry, failover *Failover, opts Options) *Monitor {
	if opts.MaxConcurrentChecks <= 0 {
		opts.MaxConcurrentChecks = DefaultOptions().MaxConcurrentChecks
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultOptions().CheckInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultOptions().FailureThreshold
	}
	return &Monitor{
		store:    store,
		registry: registry,
		prober:   NewProber(opts.ProbeTimeout),
		failover: failover,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrentChecks),
	}
}

// Bootstrap registers a breaker per enabled indexer and replays the
// persisted consecutive-failure streaks, so breaker state survives
// restarts.
func (m *Monitor) Bootstrap(ctx context.Context) error {
	indexers, err := m.store.EnabledIndexers(ctx)
	if err != nil {
		return err
	}
	for _, idx := range indexers {
		var b = m.registry.Register(idx.ID, idx.Name, idx.Priority)

		streak, err := m.store.ConsecutiveFailures(ctx, idx.ID)
		if err != nil {
			return fmt.Errorf("rebuilding breaker state for %s: %w", idx.Name, err)
		}
		if streak > 0 {
			b.SeedFailures(streak)
			log.WithFields(log.Fields{
				"indexer": idx.Name,
				"streak":  streak,
				"state":   b.State().String(),
			}).Info("restored circuit breaker state")
		}
	}
	return nil
}

// Run executes health sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	var ticker = time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	// First sweep immediately; a freshly started daemon should not wait
	// five minutes to learn which indexers are reachable.
	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes all enabled indexers concurrently, bounded by the check
// semaphore.
func (m *Monitor) Sweep(ctx context.Context) {
	indexers, err := m.store.EnabledIndexers(ctx)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("health sweep: loading indexers")
		return
	}

	var done = make(chan struct{}, len(indexers))
	for i := range indexers {
		var idx = indexers[i]
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer m.sem.Release(1)
			defer func() { done <- struct{}{} }()
			m.checkIndexer(ctx, &idx)
		}()
	}
	for range indexers {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	sweeps.Inc()
}

// CheckNow probes a single indexer immediately, outside the sweep cadence.
func (m *Monitor) CheckNow(ctx context.Context, indexerID int64) error {
	idx, err := m.store.GetIndexer(ctx, indexerID)
	if err != nil {
		return err
	}
	m.checkIndexer(ctx, idx)
	return nil
}

func (m *Monitor) checkIndexer(ctx context.Context, idx *catalog.Indexer) {
	var b = m.registry.Register(idx.ID, idx.Name, idx.Priority)
	var priorStreak = b.Snapshot().ConsecutiveFailures

	var result ProbeResult
	var execErr = b.Execute(func() error {
		result = m.prober.Probe(ctx, idx)
		if !result.Healthy {
			return fmt.Errorf("probe failed: %s", result.Message)
		}
		return nil
	})

	if execErr != nil && result.ResponseTime == 0 && result.Message == "" {
		// The breaker rejected the probe without running it.
		result.Message = execErr.Error()
	}

	rate24h, err := m.store.SuccessRateSince(ctx, idx.ID, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.WithFields(log.Fields{"indexer": idx.Name, "error": err}).
			Warn("health check: reading 24h success rate")
		rate24h = 100
	}

	var status = Classify(result.Healthy, priorStreak, m.opts.FailureThreshold, rate24h)
	b.SetStatus(status)
	statusGauge.WithLabelValues(idx.Name).Set(statusValue(status))

	var sample = &catalog.HealthSample{
		IndexerID: idx.ID,
		Status:    string(status),
		ResponseTimeMs: sql.NullInt64{
			Int64: result.ResponseTime.Milliseconds(),
			Valid: result.ResponseTime > 0,
		},
		ErrorMessage: sql.NullString{String: result.Message, Valid: result.Message != ""},
	}
	if err := m.store.RecordHealthSample(ctx, sample); err != nil {
		log.WithFields(log.Fields{"indexer": idx.Name, "error": err}).
			Warn("health check: persisting sample")
	}

	log.WithFields(log.Fields{
		"indexer":  idx.Name,
		"status":   status,
		"rt_ms":    result.ResponseTime.Milliseconds(),
		"rate_24h": fmt.Sprintf("%.1f", rate24h),
	}).Debug("health check complete")

	switch status {
	case breaker.StatusDown:
		if m.failover != nil {
			m.failover.HandleDown(ctx, b, result.Message)
		}
	case breaker.StatusRecovering:
		if m.failover != nil {
			m.failover.ConfirmRecovery(ctx, idx, m.prober)
		}
	}

	if result.Healthy {
		m.NoteIndexerSuccess(ctx, idx.ID)
	}
}

// NoteIndexerSuccess reports that a request through the indexer succeeded.
// Pending failover events targeting it become confirmed. The download
// engine calls this too; a failover is proven by real traffic, not by the
// act of selecting a target.
func (m *Monitor) NoteIndexerSuccess(ctx context.Context, indexerID int64) {
	if m.failover != nil {
		m.failover.NoteSuccess(ctx, indexerID)
	}
}

func statusValue(s breaker.Status) float64 {
	switch s {
	case breaker.StatusHealthy:
		return 1
	case breaker.StatusRecovering:
		return 0.75
	case breaker.StatusDegraded:
		return 0.5
	case breaker.StatusDown:
		return 0
	default:
		return -1
	}
}
