package breaker

import (
	"sync"
	"time"
)

// responseTimeWindow is how many recent response times feed the mean.
const responseTimeWindow = 100

// Stats is a point-in-time view of an indexer's rolling statistics.
type Stats struct {
	Requests            int64
	Failures            int64
	ConsecutiveFailures int
	InFlight            int
	MeanResponseTime    time.Duration
	SuccessRate         float64 // percent; 100 when no requests seen
	Status              Status
}

// rollingStats accumulates request outcomes behind a mutex. The response
// time window is a fixed-size ring: the ring stays O(1) per record and the
// mean reflects only recent behavior.
type rollingStats struct {
	mu sync.Mutex

	times  []time.Duration
	next   int
	filled bool

	requests            int64
	failures            int64
	consecutiveFailures int
	inFlight            int
	current             Status
}

func newRollingStats(window int) *rollingStats {
	return &rollingStats{
		times:   make([]time.Duration, window),
		current: StatusUnknown,
	}
}

func (s *rollingStats) record(rt time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.times[s.next] = rt
	s.next++
	if s.next == len(s.times) {
		s.next = 0
		s.filled = true
	}

	s.requests++
	if success {
		s.consecutiveFailures = 0
	} else {
		s.failures++
		s.consecutiveFailures++
	}
}

func (s *rollingStats) incInFlight() {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
}

func (s *rollingStats) decInFlight() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

func (s *rollingStats) setStatus(status Status) {
	s.mu.Lock()
	s.current = status
	s.mu.Unlock()
}

func (s *rollingStats) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *rollingStats) setConsecutiveFailures(n int) {
	s.mu.Lock()
	s.consecutiveFailures = n
	s.mu.Unlock()
}

func (s *rollingStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n = s.next
	if s.filled {
		n = len(s.times)
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += s.times[i]
	}
	var mean time.Duration
	if n > 0 {
		mean = sum / time.Duration(n)
	}

	var rate = 100.0
	if s.requests > 0 {
		rate = float64(s.requests-s.failures) / float64(s.requests) * 100
	}

	return Stats{
		Requests:            s.requests,
		Failures:            s.failures,
		ConsecutiveFailures: s.consecutiveFailures,
		InFlight:            s.inFlight,
		MeanResponseTime:    mean,
		SuccessRate:         rate,
		Status:              s.current,
	}
}
