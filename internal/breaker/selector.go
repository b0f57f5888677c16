package breaker

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
)

// Strategy names accepted by NewSelector.
const (
	StrategyRoundRobin   = "round_robin"
	StrategyPriority     = "priority"
	StrategyResponseTime = "response_time"
	StrategyLoadBalanced = "load_balanced"
	StrategyIntelligent  = "intelligent"
)

// ErrNoCandidates is returned when every candidate indexer is unavailable.
var ErrNoCandidates = errors.New("no available indexer")

// Selector picks one indexer among the available candidates.
type Selector struct {
	strategy string
	rrNext   atomic.Uint64
}

// NewSelector returns a Selector for a named strategy.
func NewSelector(strategy string) (*Selector, error) {
	switch strategy {
	case StrategyRoundRobin, StrategyPriority, StrategyResponseTime,
		StrategyLoadBalanced, StrategyIntelligent:
		return &Selector{strategy: strategy}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", strategy)
	}
}

// Strategy returns the configured strategy name.
func (s *Selector) Strategy() string { return s.strategy }

// Pick selects an indexer from |candidates|. Breakers that are open are
// never picked regardless of strategy.
func (s *Selector) Pick(candidates []*Breaker) (*Breaker, error) {
	var avail = make([]*Breaker, 0, len(candidates))
	for _, b := range candidates {
		if b.Available() {
			avail = append(avail, b)
		}
	}
	if len(avail) == 0 {
		return nil, ErrNoCandidates
	}

	// Deterministic candidate order, so round-robin cycles fairly.
	sort.Slice(avail, func(i, j int) bool { return avail[i].IndexerID < avail[j].IndexerID })

	var picked *Breaker
	switch s.strategy {
	case StrategyRoundRobin:
		picked = avail[s.rrNext.Add(1)%uint64(len(avail))]
	case StrategyPriority:
		// Lowest configured priority number wins; ties go to the lowest
		// indexer id via the sorted candidate order.
		picked = pickMin(avail, func(b *Breaker, _ Stats) float64 { return float64(b.Priority) })
	case StrategyResponseTime:
		picked = pickMin(avail, func(_ *Breaker, st Stats) float64 {
			return float64(st.MeanResponseTime.Milliseconds())
		})
	case StrategyLoadBalanced:
		picked = pickMin(avail, func(_ *Breaker, st Stats) float64 { return float64(st.Requests) })
	case StrategyIntelligent:
		picked = pickMin(avail, intelligentScore)
	}

	selections.WithLabelValues(s.strategy, picked.Name).Inc()
	return picked, nil
}

func pickMin(avail []*Breaker, score func(*Breaker, Stats) float64) *Breaker {
	var best *Breaker
	var bestScore = math.Inf(1)
	for _, b := range avail {
		if s := score(b, b.Snapshot()); s < bestScore {
			best, bestScore = b, s
		}
	}
	if best == nil {
		best = avail[0]
	}
	return best
}

// intelligentScore folds latency, reliability, load, configured priority,
// and current health into one number; lower is better.
func intelligentScore(b *Breaker, st Stats) float64 {
	var score = float64(st.MeanResponseTime.Milliseconds())
	score += (100 - st.SuccessRate) * 10
	score += float64(st.Requests) * 10
	score += float64(b.Priority) * 50
	score += float64(st.ConsecutiveFailures) * 100

	switch st.Status {
	case StatusDegraded:
		score += 500
	case StatusDown:
		return math.Inf(1)
	}
	return score
}
