package health

import "github.com/fabienpiette/folio_fox/internal/breaker"

// Classify maps a probe outcome onto a health status.
//
// |priorStreak| is the consecutive-failure count before this probe, and
// |successRate| the share of healthy samples over the trailing 24 hours.
// A failed probe is degraded until the streak reaches the threshold, then
// down. A passing probe after failures is recovering; otherwise the 24h
// rate decides between healthy, degraded, and down.
func Classify(passed bool, priorStreak, threshold int, successRate float64) breaker.Status {
	if !passed {
		if priorStreak+1 >= threshold {
			return breaker.StatusDown
		}
		return breaker.StatusDegraded
	}

	if priorStreak > 0 {
		return breaker.StatusRecovering
	}

	switch {
	case successRate >= 95:
		return breaker.StatusHealthy
	case successRate >= 80:
		return breaker.StatusDegraded
	default:
		return breaker.StatusDown
	}
}
