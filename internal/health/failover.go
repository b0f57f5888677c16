package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/fabienpiette/folio_fox/internal/breaker"
	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// recoveryThrottle is the minimum spacing between recovery confirmation
// attempts for one indexer.
const recoveryThrottle = 10 * time.Minute

// Failover routes around indexers that went down and confirms both
// failovers and recoveries with evidence rather than optimism: a failover
// event is marked successful only once a request through the target
// succeeds, and a recovering indexer is re-probed before traffic returns.
type Failover struct {
	store    *catalog.Store
	registry *breaker.Registry
	selector *breaker.Selector

	mu           sync.Mutex
	pending      map[int64][]int64 // target indexer id -> unconfirmed event ids
	lastAttempt  map[int64]time.Time
	lastRecovery map[int64]time.Time
}

// NewFailover builds a Failover manager using the given selector.
func NewFailover(store *catalog.Store, registry *breaker.Registry, selector *breaker.Selector) *Failover {
	return &Failover{
		store:        store,
		registry:     registry,
		selector:     selector,
		pending:      make(map[int64][]int64),
		lastAttempt:  make(map[int64]time.Time),
		lastRecovery: make(map[int64]time.Time),
	}
}

// HandleDown reacts to an indexer classified down: it selects an
// alternative and records an unconfirmed failover event. Repeated down
// classifications within the recovery throttle window are ignored; the
// event already exists.
func (f *Failover) HandleDown(ctx context.Context, primary *breaker.Breaker, reason string) {
	f.mu.Lock()
	if last, ok := f.lastAttempt[primary.IndexerID]; ok && time.Since(last) < recoveryThrottle {
		f.mu.Unlock()
		return
	}
	f.lastAttempt[primary.IndexerID] = time.Now()
	f.mu.Unlock()

	var candidates []*breaker.Breaker
	for _, b := range f.registry.All() {
		if b.IndexerID == primary.IndexerID || b.Status() == breaker.StatusDown {
			continue
		}
		candidates = append(candidates, b)
	}

	target, err := f.selector.Pick(candidates)
	if err != nil {
		if errors.Is(err, breaker.ErrNoCandidates) {
			log.WithFields(log.Fields{"indexer": primary.Name}).
				Warn("indexer down with no failover candidate")
		} else {
			log.WithFields(log.Fields{"indexer": primary.Name, "error": err}).
				Error("failover selection failed")
		}
		return
	}

	eventID, err := f.store.RecordFailover(ctx, primary.IndexerID, target.IndexerID, reason)
	if err != nil {
		log.WithFields(log.Fields{"indexer": primary.Name, "error": err}).
			Error("recording failover event")
		return
	}

	f.mu.Lock()
	f.pending[target.IndexerID] = append(f.pending[target.IndexerID], eventID)
	f.mu.Unlock()

	failovers.WithLabelValues(primary.Name, target.Name).Inc()
	log.WithFields(log.Fields{
		"from":   primary.Name,
		"to":     target.Name,
		"reason": reason,
		"event":  eventID,
	}).Info("failover initiated; awaiting confirmation by live traffic")
}

// NoteSuccess confirms any pending failover events that targeted the
// indexer a request just succeeded through.
func (f *Failover) NoteSuccess(ctx context.Context, indexerID int64) {
	f.mu.Lock()
	var events = f.pending[indexerID]
	delete(f.pending, indexerID)
	f.mu.Unlock()

	for _, eventID := range events {
		if err := f.store.ConfirmFailover(ctx, eventID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			log.WithFields(log.Fields{"event": eventID, "error": err}).
				Warn("confirming failover event")
			continue
		}
		log.WithFields(log.Fields{"event": eventID, "indexer": indexerID}).
			Info("failover confirmed by successful request")
	}
}

// PendingCount reports unconfirmed failover events targeting an indexer.
func (f *Failover) PendingCount(indexerID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[indexerID])
}

// ConfirmRecovery re-probes a recovering indexer up to three times before
// declaring it healthy again. Attempts are throttled per indexer: flapping
// services get one confirmation chance per window, not one per sweep.
func (f *Failover) ConfirmRecovery(ctx context.Context, idx *catalog.Indexer, prober *Prober) {
	f.mu.Lock()
	if last, ok := f.lastRecovery[idx.ID]; ok && time.Since(last) < recoveryThrottle {
		f.mu.Unlock()
		return
	}
	f.lastRecovery[idx.ID] = time.Now()
	f.mu.Unlock()

	var backoff = retry.WithMaxRetries(2, retry.NewConstant(5*time.Second))
	var err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if result := prober.Probe(ctx, idx); !result.Healthy {
			return retry.RetryableError(errors.New(result.Message))
		}
		return nil
	})

	if err != nil {
		log.WithFields(log.Fields{"indexer": idx.Name, "error": err}).
			Info("recovery not confirmed; indexer stays in recovering")
		return
	}

	if b := f.registry.Get(idx.ID); b != nil {
		b.SetStatus(breaker.StatusHealthy)
	}
	recoveries.WithLabelValues(idx.Name).Inc()
	log.WithFields(log.Fields{"indexer": idx.Name}).Info("indexer recovery confirmed")
}
