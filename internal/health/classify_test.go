package health

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/folio_fox/internal/breaker"
)

func TestClassify(t *testing.T) {
	var cases = []struct {
		name        string
		passed      bool
		priorStreak int
		successRate float64
		want        breaker.Status
	}{
		{"first failure degrades", false, 0, 100, breaker.StatusDegraded},
		{"failure below threshold degrades", false, 3, 100, breaker.StatusDegraded},
		{"failure reaching threshold is down", false, 4, 100, breaker.StatusDown},
		{"failure past threshold stays down", false, 9, 100, breaker.StatusDown},
		{"pass after failures is recovering", true, 3, 100, breaker.StatusRecovering},
		{"pass with strong history is healthy", true, 0, 98.5, breaker.StatusHealthy},
		{"pass at exactly 95 is healthy", true, 0, 95, breaker.StatusHealthy},
		{"pass with weak history is degraded", true, 0, 85, breaker.StatusDegraded},
		{"pass at exactly 80 is degraded", true, 0, 80, breaker.StatusDegraded},
		{"pass with broken history is down", true, 0, 60, breaker.StatusDown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want,
				Classify(tc.passed, tc.priorStreak, 5, tc.successRate))
		})
	}
}
