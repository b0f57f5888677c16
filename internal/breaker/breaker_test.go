package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("probe failed")

func TestBreakerTripsAfterThreshold(t *testing.T) {
	var registry = NewRegistry(Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	var b = registry.Register(1, "library-one", 5)

	for i := 0; i < 3; i++ {
		require.Equal(t, gobreaker.StateClosed, b.State())
		var err = b.Execute(func() error { return errProbe })
		require.ErrorIs(t, err, errProbe)
	}
	require.Equal(t, gobreaker.StateOpen, b.State())
	require.False(t, b.Available())

	// Open breaker rejects without invoking the function.
	var called bool
	var err = b.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, called)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	var registry = NewRegistry(Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	var b = registry.Register(1, "library-one", 5)

	require.Error(t, b.Execute(func() error { return errProbe }))
	require.Error(t, b.Execute(func() error { return errProbe }))
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Error(t, b.Execute(func() error { return errProbe }))
	require.Error(t, b.Execute(func() error { return errProbe }))

	// Streak never reached three in a row.
	require.Equal(t, gobreaker.StateClosed, b.State())
	require.Equal(t, 2, b.Snapshot().ConsecutiveFailures)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	var registry = NewRegistry(Settings{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})
	var b = registry.Register(1, "library-one", 5)

	require.Error(t, b.Execute(func() error { return errProbe }))
	require.Error(t, b.Execute(func() error { return errProbe }))
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	// One half-open probe succeeds and closes the breaker.
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	var registry = NewRegistry(Settings{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})
	var b = registry.Register(1, "library-one", 5)

	require.Error(t, b.Execute(func() error { return errProbe }))
	require.Error(t, b.Execute(func() error { return errProbe }))
	time.Sleep(60 * time.Millisecond)

	require.Error(t, b.Execute(func() error { return errProbe }))
	require.Equal(t, gobreaker.StateOpen, b.State())
}

func TestSeedFailuresReconstructsState(t *testing.T) {
	var registry = NewRegistry(Settings{FailureThreshold: 5, RecoveryTimeout: time.Minute})

	var below = registry.Register(1, "below-threshold", 5)
	below.SeedFailures(3)
	require.Equal(t, gobreaker.StateClosed, below.State())
	require.Equal(t, 3, below.Snapshot().ConsecutiveFailures)

	var tripped = registry.Register(2, "at-threshold", 5)
	tripped.SeedFailures(7)
	require.Equal(t, gobreaker.StateOpen, tripped.State())
}

func TestRegisterIsIdempotent(t *testing.T) {
	var registry = NewRegistry(DefaultSettings())
	var a = registry.Register(1, "one", 5)
	var b = registry.Register(1, "one", 5)
	require.Same(t, a, b)
	require.Len(t, registry.All(), 1)
	require.Same(t, a, registry.Get(1))
	require.Nil(t, registry.Get(99))
}

func TestStatsWindowMean(t *testing.T) {
	var s = newRollingStats(4)
	for _, d := range []time.Duration{10, 20, 30, 40} {
		s.record(d*time.Millisecond, true)
	}
	require.Equal(t, 25*time.Millisecond, s.snapshot().MeanResponseTime)

	// The window slides: the oldest sample falls out.
	s.record(100*time.Millisecond, true)
	require.Equal(t, 47500*time.Microsecond, s.snapshot().MeanResponseTime)
}

func TestStatsSuccessRate(t *testing.T) {
	var s = newRollingStats(10)
	require.Equal(t, 100.0, s.snapshot().SuccessRate)

	s.record(time.Millisecond, true)
	s.record(time.Millisecond, false)
	s.record(time.Millisecond, true)
	s.record(time.Millisecond, true)

	var snap = s.snapshot()
	require.InDelta(t, 75.0, snap.SuccessRate, 0.001)
	require.Equal(t, int64(4), snap.Requests)
	require.Equal(t, int64(1), snap.Failures)
	require.Zero(t, snap.ConsecutiveFailures)
}
