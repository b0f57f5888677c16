package dedup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSim(t *testing.T) *Similarity {
	t.Helper()
	sim, err := NewSimilarity(128)
	require.NoError(t, err)
	return sim
}

func TestRatioBounds(t *testing.T) {
	var sim = newSim(t)
	require.Equal(t, 1.0, sim.Ratio("dune", "dune"))
	require.Equal(t, 0.0, sim.Ratio("", "dune"))
	require.Equal(t, 0.0, sim.Ratio("dune", ""))
}

func TestRatioKnownValues(t *testing.T) {
	var sim = newSim(t)

	// Sequence ratio 0.615 beats the edit-distance ratio 0.571 here.
	require.InDelta(t, 0.6154, sim.Ratio("kitten", "sitting"), 0.001)

	// One-character typo in a short string: edit distance dominates.
	require.InDelta(t, 1-1.0/12, sim.Ratio("great gatsby", "greot gatsby"), 0.001)

	require.Less(t, sim.Ratio("dune", "war and peace"), 0.3)
}

func TestRatioSymmetricAndMemoized(t *testing.T) {
	var sim = newSim(t)
	var a, b = "foundation and empire", "foundation und empire"
	var forward = sim.Ratio(a, b)
	require.Equal(t, forward, sim.Ratio(b, a))
	require.Equal(t, 1, sim.cache.Len(), "both orderings share one cache entry")
}

func TestRatioLongStringsUseSequenceRatioOnly(t *testing.T) {
	var sim = newSim(t)
	var a = strings.Repeat("lorem ipsum dolor sit amet ", 5)
	var b = a + "extra trailing words"
	var got = sim.Ratio(a, b)
	require.Greater(t, got, 0.8)
	require.Less(t, got, 1.0)
}
