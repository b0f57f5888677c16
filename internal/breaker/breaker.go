// Package breaker tracks per-indexer circuit breakers and rolling request
// statistics, and selects which indexer should serve a request.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Status is the health classification of an indexer, fed in by the health
// monitor and consulted during selection.
type Status string

const (
	StatusHealthy    Status = "healthy"
	StatusDegraded   Status = "degraded"
	StatusDown       Status = "down"
	StatusRecovering Status = "recovering"
	StatusUnknown    Status = "unknown"
)

// ErrOpen is returned by Execute while an indexer's breaker rejects traffic.
var ErrOpen = errors.New("circuit breaker is open")

// errReplayedFailure seeds breaker state from persisted failure streaks.
var errReplayedFailure = errors.New("replayed failure")

// Settings tune breaker behavior for all indexers in a registry.
type Settings struct {
	FailureThreshold int           // consecutive failures before tripping
	RecoveryTimeout  time.Duration // how long an open breaker rejects before half-open
}

// DefaultSettings match the production defaults.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// Breaker wraps one indexer's circuit breaker and rolling statistics.
type Breaker struct {
	IndexerID int64
	Name      string
	Priority  int64

	cb    *gobreaker.CircuitBreaker
	stats *rollingStats
}

// Registry holds a Breaker per indexer.
type Registry struct {
	settings Settings

	mu       sync.RWMutex
	breakers map[int64]*Breaker
}

// NewRegistry returns an empty registry with the given settings.
func NewRegistry(settings Settings) *Registry {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = DefaultSettings().RecoveryTimeout
	}
	return &Registry{
		settings: settings,
		breakers: make(map[int64]*Breaker),
	}
}

// Register adds (or returns the existing) breaker for an indexer.
func (r *Registry) Register(indexerID int64, name string, priority int64) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[indexerID]; ok {
		return b
	}

	var b = &Breaker{
		IndexerID: indexerID,
		Name:      name,
		Priority:  priority,
		stats:     newRollingStats(responseTimeWindow),
	}
	var threshold = uint32(r.settings.FailureThreshold)

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // a single half-open probe decides recovery
		Timeout:     r.settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			stateTransitions.WithLabelValues(name, to.String()).Inc()
			log.WithFields(log.Fields{
				"indexer": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("circuit breaker state changed")
		},
	})

	r.breakers[indexerID] = b
	return b
}

// Get returns the breaker for an indexer, or nil if unregistered.
func (r *Registry) Get(indexerID int64) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[indexerID]
}

// All returns a snapshot of registered breakers.
func (r *Registry) All() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out = make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}

// SeedFailures replays a persisted consecutive-failure streak into the
// breaker, reconstructing its pre-restart state. A streak at or above the
// threshold leaves the breaker open.
func (b *Breaker) SeedFailures(streak int) {
	for i := 0; i < streak; i++ {
		var _, err = b.cb.Execute(func() (interface{}, error) {
			return nil, errReplayedFailure
		})
		if errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
	}
	b.stats.setConsecutiveFailures(streak)
}

// Execute runs |fn| through the breaker, recording its latency and outcome.
// While the breaker is open, fn is not invoked and ErrOpen is returned.
func (b *Breaker) Execute(fn func() error) error {
	var started = time.Now()
	b.stats.incInFlight()

	var _, err = b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	b.stats.decInFlight()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("indexer %s: %w", b.Name, ErrOpen)
	}

	b.stats.record(time.Since(started), err == nil)
	requestDuration.WithLabelValues(b.Name, outcome(err)).Observe(time.Since(started).Seconds())
	return err
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Available reports whether the breaker admits traffic.
func (b *Breaker) Available() bool { return b.cb.State() != gobreaker.StateOpen }

// SetStatus records the latest health classification for selection scoring.
func (b *Breaker) SetStatus(s Status) { b.stats.setStatus(s) }

// Status returns the latest health classification.
func (b *Breaker) Status() Status { return b.stats.status() }

// Snapshot returns a point-in-time copy of the rolling statistics.
func (b *Breaker) Snapshot() Stats { return b.stats.snapshot() }

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
