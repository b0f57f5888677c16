package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) (*Registry, []*Breaker) {
	t.Helper()
	var registry = NewRegistry(Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	var breakers = []*Breaker{
		registry.Register(1, "alpha", 1),
		registry.Register(2, "beta", 5),
		registry.Register(3, "gamma", 9),
	}
	return registry, breakers
}

func TestNewSelectorRejectsUnknownStrategy(t *testing.T) {
	var _, err = NewSelector("fastest_first")
	require.Error(t, err)

	for _, strategy := range []string{
		StrategyRoundRobin, StrategyPriority, StrategyResponseTime,
		StrategyLoadBalanced, StrategyIntelligent,
	} {
		s, err := NewSelector(strategy)
		require.NoError(t, err)
		require.Equal(t, strategy, s.Strategy())
	}
}

func TestPickNoCandidates(t *testing.T) {
	s, err := NewSelector(StrategyRoundRobin)
	require.NoError(t, err)

	_, err = s.Pick(nil)
	require.ErrorIs(t, err, ErrNoCandidates)
}

func TestPickExcludesOpenBreakers(t *testing.T) {
	var _, breakers = testRegistry(t)
	s, err := NewSelector(StrategyRoundRobin)
	require.NoError(t, err)

	// Trip alpha and beta; only gamma remains pickable.
	for _, b := range breakers[:2] {
		for i := 0; i < 2; i++ {
			_ = b.Execute(func() error { return errProbe })
		}
		require.False(t, b.Available())
	}

	for i := 0; i < 5; i++ {
		picked, err := s.Pick(breakers)
		require.NoError(t, err)
		require.Equal(t, "gamma", picked.Name)
	}
}

func TestRoundRobinCycles(t *testing.T) {
	var _, breakers = testRegistry(t)
	s, err := NewSelector(StrategyRoundRobin)
	require.NoError(t, err)

	var counts = make(map[string]int)
	for i := 0; i < 9; i++ {
		picked, err := s.Pick(breakers)
		require.NoError(t, err)
		counts[picked.Name]++
	}
	require.Equal(t, map[string]int{"alpha": 3, "beta": 3, "gamma": 3}, counts)
}

func TestPriorityPicksLowestNumber(t *testing.T) {
	var _, breakers = testRegistry(t)
	s, err := NewSelector(StrategyPriority)
	require.NoError(t, err)

	picked, err := s.Pick(breakers)
	require.NoError(t, err)
	require.Equal(t, "alpha", picked.Name) // priority 1 beats 5 and 9
}

func TestLoadBalancedPrefersLeastUsed(t *testing.T) {
	var _, breakers = testRegistry(t)
	s, err := NewSelector(StrategyLoadBalanced)
	require.NoError(t, err)

	// alpha has served two requests, beta one, gamma none.
	breakers[0].stats.record(10*time.Millisecond, true)
	breakers[0].stats.record(10*time.Millisecond, true)
	breakers[1].stats.record(10*time.Millisecond, true)

	picked, err := s.Pick(breakers)
	require.NoError(t, err)
	require.Equal(t, "gamma", picked.Name)

	// Once all three have served two requests they are tied and the lowest
	// indexer id wins.
	breakers[1].stats.record(10*time.Millisecond, true)
	breakers[2].stats.record(10*time.Millisecond, true)
	breakers[2].stats.record(10*time.Millisecond, true)
	picked, err = s.Pick(breakers)
	require.NoError(t, err)
	require.Equal(t, "alpha", picked.Name)
}

func TestResponseTimePicksFastest(t *testing.T) {
	var _, breakers = testRegistry(t)
	s, err := NewSelector(StrategyResponseTime)
	require.NoError(t, err)

	breakers[0].stats.record(800*time.Millisecond, true)
	breakers[1].stats.record(50*time.Millisecond, true)
	breakers[2].stats.record(300*time.Millisecond, true)

	picked, err := s.Pick(breakers)
	require.NoError(t, err)
	require.Equal(t, "beta", picked.Name)
}

func TestIntelligentAvoidsDownAndDegraded(t *testing.T) {
	var _, breakers = testRegistry(t)
	s, err := NewSelector(StrategyIntelligent)
	require.NoError(t, err)

	// gamma is fast but down; beta healthy; alpha degraded.
	breakers[0].SetStatus(StatusDegraded)
	breakers[1].SetStatus(StatusHealthy)
	breakers[2].SetStatus(StatusDown)
	breakers[2].stats.record(time.Millisecond, true)

	picked, err := s.Pick(breakers)
	require.NoError(t, err)
	require.Equal(t, "beta", picked.Name)
}

func TestIntelligentScoreComposition(t *testing.T) {
	var registry = NewRegistry(DefaultSettings())
	var b = registry.Register(1, "one", 2)
	b.SetStatus(StatusDegraded)
	b.stats.record(100*time.Millisecond, true)
	b.stats.record(100*time.Millisecond, false) // 50% success, streak 1

	var score = intelligentScore(b, b.Snapshot())
	// 100ms + (100-50)*10 + 2 requests * 10 + 2*50 + 1*100 + 500 degraded.
	require.InDelta(t, 100+500+20+100+100+500, score, 0.001)
}
