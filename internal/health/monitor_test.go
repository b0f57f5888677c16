package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/folio_fox/internal/breaker"
	"github.com/fabienpiette/folio_fox/internal/catalog"
)

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(context.Background(), ":memory:", catalog.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertIndexer(t *testing.T, store *catalog.Store, name, baseURL string, priority int64) int64 {
	t.Helper()
	res, err := store.Exec(
		`INSERT INTO indexers (name, base_url, indexer_type, priority) VALUES (?, ?, 'generic', ?)`,
		name, baseURL, priority)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func newMonitor(t *testing.T, store *catalog.Store) (*Monitor, *breaker.Registry, *Failover) {
	t.Helper()
	var registry = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: 2, RecoveryTimeout: time.Minute,
	})
	selector, err := breaker.NewSelector(breaker.StrategyIntelligent)
	require.NoError(t, err)
	var failover = NewFailover(store, registry, selector)
	var monitor = NewMonitor(store, registry, failover, Options{
		CheckInterval:       time.Minute,
		MaxConcurrentChecks: 5,
		ProbeTimeout:        2 * time.Second,
		FailureThreshold:    2,
	})
	return monitor, registry, failover
}

func TestCheckRecordsSampleAndStatus(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer server.Close()

	var store = newTestStore(t)
	var ctx = context.Background()
	var id = insertIndexer(t, store, "lib", server.URL, 5)

	monitor, registry, _ := newMonitor(t, store)
	require.NoError(t, monitor.Bootstrap(ctx))
	require.NoError(t, monitor.CheckNow(ctx, id))

	samples, err := store.LatestHealthSamples(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, "healthy", samples[0].Status)
	require.True(t, samples[0].ResponseTimeMs.Valid)

	require.Equal(t, breaker.StatusHealthy, registry.Get(id).Status())
}

func TestRepeatedFailuresGoDownAndTripBreaker(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }))
	defer server.Close()

	var store = newTestStore(t)
	var ctx = context.Background()
	var id = insertIndexer(t, store, "flaky", server.URL, 5)

	monitor, registry, _ := newMonitor(t, store)
	require.NoError(t, monitor.Bootstrap(ctx))

	require.NoError(t, monitor.CheckNow(ctx, id))
	require.Equal(t, breaker.StatusDegraded, registry.Get(id).Status())

	require.NoError(t, monitor.CheckNow(ctx, id))
	require.Equal(t, breaker.StatusDown, registry.Get(id).Status())
	require.False(t, registry.Get(id).Available())

	samples, err := store.LatestHealthSamples(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, "down", samples[0].Status)
	require.True(t, samples[0].ErrorMessage.Valid)
}

func TestBootstrapRestoresBreakerFromSamples(t *testing.T) {
	var store = newTestStore(t)
	var ctx = context.Background()
	var id = insertIndexer(t, store, "lib", "http://127.0.0.1:1", 5)

	for i := 0; i < 3; i++ {
		_, err := store.Exec(`
			INSERT INTO indexer_health (indexer_id, status, error_message)
			VALUES (?, 'down', 'probe failed')`, id)
		require.NoError(t, err)
	}

	monitor, registry, _ := newMonitor(t, store)
	require.NoError(t, monitor.Bootstrap(ctx))

	// Threshold is 2; a streak of 3 leaves the breaker open.
	require.False(t, registry.Get(id).Available())
}

func TestFailoverRecordedAndConfirmedBySuccess(t *testing.T) {
	var downServer = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }))
	defer downServer.Close()
	var upServer = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer upServer.Close()

	var store = newTestStore(t)
	var ctx = context.Background()
	var primaryID = insertIndexer(t, store, "primary", downServer.URL, 1)
	var backupID = insertIndexer(t, store, "backup", upServer.URL, 5)

	monitor, _, failover := newMonitor(t, store)
	require.NoError(t, monitor.Bootstrap(ctx))

	// Mark the backup healthy, then drive the primary down.
	require.NoError(t, monitor.CheckNow(ctx, backupID))
	require.NoError(t, monitor.CheckNow(ctx, primaryID))
	require.NoError(t, monitor.CheckNow(ctx, primaryID))

	var events []catalog.FailoverEvent
	require.NoError(t, store.SelectContext(ctx, &events, `SELECT * FROM failover_events`))
	require.Len(t, events, 1)
	require.Equal(t, primaryID, events[0].PrimaryIndexerID)
	require.Equal(t, backupID, events[0].FailoverIndexerID)
	require.False(t, events[0].Confirmed, "selection alone must not confirm a failover")
	require.Equal(t, 1, failover.PendingCount(backupID))

	// A successful request through the target confirms it.
	monitor.NoteIndexerSuccess(ctx, backupID)

	events = nil
	require.NoError(t, store.SelectContext(ctx, &events, `SELECT * FROM failover_events`))
	require.True(t, events[0].Confirmed)
	require.True(t, events[0].ConfirmedAt.Valid)
	require.Zero(t, failover.PendingCount(backupID))
}

func TestRecoveryConfirmationThrottled(t *testing.T) {
	var probes atomic.Int64
	var server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			probes.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
	defer server.Close()

	var store = newTestStore(t)
	var ctx = context.Background()
	var id = insertIndexer(t, store, "lib", server.URL, 5)
	idx, err := store.GetIndexer(ctx, id)
	require.NoError(t, err)

	monitor, registry, failover := newMonitor(t, store)
	require.NoError(t, monitor.Bootstrap(ctx))

	failover.ConfirmRecovery(ctx, idx, NewProber(time.Second))
	require.Equal(t, breaker.StatusHealthy, registry.Get(id).Status())
	var first = probes.Load()
	require.Positive(t, first)

	// A second confirmation inside the throttle window does not re-probe.
	failover.ConfirmRecovery(ctx, idx, NewProber(time.Second))
	require.Equal(t, first, probes.Load())
}
