package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTestGraph(t *testing.T, opts ...GraphOption) (*Graph, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewGraph(append([]GraphOption{WithGraphClock(clock.Now)}, opts...)...), clock
}

func TestDelegateValidation(t *testing.T) {
	g, _ := newTestGraph(t)

	_, err := g.Delegate("a", "a", "", 0.5, time.Time{})
	assert.ErrorIs(t, err, ErrSelfDelegation)

	_, err = g.Delegate("", "b", "", 0.5, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidAgent)

	for _, w := range []float64{-0.1, 1.01} {
		_, err = g.Delegate("a", "b", "", w, time.Time{})
		assert.ErrorIs(t, err, ErrInvalidWeight)
	}

	d, err := g.Delegate("a", "b", "", 0.7, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, AnyScope, d.Scope)
	assert.Equal(t, 1, g.Len())

	// re-delegating replaces the edge
	_, err = g.Delegate("a", "b", "read", 0.4, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())
	assert.InDelta(t, 0.4, g.EffectiveTrust("a", "b"), 1e-9)
}

func TestTransitiveTrustComposition(t *testing.T) {
	g, _ := newTestGraph(t)
	_, err := g.Delegate("A", "B", "", 0.9, time.Time{})
	require.NoError(t, err)
	_, err = g.Delegate("B", "C", "", 0.8, time.Time{})
	require.NoError(t, err)

	ac := g.EffectiveTrust("A", "C")
	assert.Greater(t, ac, 0.0)
	assert.Less(t, ac, 0.8)
	assert.InDelta(t, 0.9*0.8*DefaultDecay, ac, 1e-9)

	require.NoError(t, g.Revoke("A", "B"))
	assert.Zero(t, g.EffectiveTrust("A", "B"))
	assert.Zero(t, g.EffectiveTrust("A", "C"))
	assert.ErrorIs(t, g.Revoke("A", "B"), ErrNoDelegation)
}

func TestDirectEdgeWinsOverPaths(t *testing.T) {
	g, _ := newTestGraph(t)
	mustDelegate(t, g, "A", "C", 0.1)
	mustDelegate(t, g, "A", "B", 1)
	mustDelegate(t, g, "B", "C", 1)

	assert.InDelta(t, 0.1, g.EffectiveTrust("A", "C"), 1e-9)
}

func TestBestPathIsChosen(t *testing.T) {
	g, _ := newTestGraph(t)
	mustDelegate(t, g, "A", "B", 0.5)
	mustDelegate(t, g, "B", "D", 0.5)
	mustDelegate(t, g, "A", "C", 0.9)
	mustDelegate(t, g, "C", "D", 0.9)

	assert.InDelta(t, 0.9*0.9*DefaultDecay, g.EffectiveTrust("A", "D"), 1e-9)
}

func TestTrustNonIncreasingInHops(t *testing.T) {
	g, _ := newTestGraph(t, WithMaxHops(8))
	chain := []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6"}
	for i := 0; i+1 < len(chain); i++ {
		mustDelegate(t, g, chain[i], chain[i+1], 0.95)
	}

	prev := 1.0
	for i := 1; i < len(chain); i++ {
		v := g.EffectiveTrust("n0", chain[i])
		assert.LessOrEqual(t, v, prev, "hop %d", i)
		prev = v
	}
}

func TestCyclesTerminate(t *testing.T) {
	g, _ := newTestGraph(t)
	mustDelegate(t, g, "A", "B", 0.9)
	mustDelegate(t, g, "B", "A", 0.9)
	mustDelegate(t, g, "B", "C", 0.9)
	mustDelegate(t, g, "C", "A", 0.9)

	assert.InDelta(t, 0.9*0.9*DefaultDecay, g.EffectiveTrust("A", "C"), 1e-9)
	assert.Zero(t, g.EffectiveTrust("A", "Z"))
}

func TestMaxHopsBound(t *testing.T) {
	g, _ := newTestGraph(t, WithMaxHops(2))
	mustDelegate(t, g, "A", "B", 1)
	mustDelegate(t, g, "B", "C", 1)
	mustDelegate(t, g, "C", "D", 1)

	assert.Greater(t, g.EffectiveTrust("A", "C"), 0.0)
	assert.Zero(t, g.EffectiveTrust("A", "D"))

	_, ok := g.FindTrustPath("A", "D")
	assert.False(t, ok)
}

func TestExpiryAndPrune(t *testing.T) {
	g, clock := newTestGraph(t)
	_, err := g.Delegate("A", "B", "", 0.9, clock.now.Add(time.Hour))
	require.NoError(t, err)
	mustDelegate(t, g, "B", "C", 0.9)

	assert.InDelta(t, 0.9, g.EffectiveTrust("A", "B"), 1e-9)

	clock.now = clock.now.Add(2 * time.Hour)
	assert.Zero(t, g.EffectiveTrust("A", "B"))
	assert.Zero(t, g.EffectiveTrust("A", "C"))
	_, ok := g.Delegation("A", "B")
	assert.False(t, ok)

	assert.Equal(t, 1, g.PruneExpired())
	assert.Equal(t, 1, g.Len())
}

func TestScopedTrust(t *testing.T) {
	g, _ := newTestGraph(t)
	_, err := g.Delegate("A", "B", "payments", 0.9, time.Time{})
	require.NoError(t, err)
	_, err = g.Delegate("B", "C", AnyScope, 0.9, time.Time{})
	require.NoError(t, err)

	assert.InDelta(t, 0.9, g.EffectiveTrustInScope("A", "B", "payments"), 1e-9)
	assert.Zero(t, g.EffectiveTrustInScope("A", "B", "deploy"))
	assert.Greater(t, g.EffectiveTrustInScope("A", "C", "payments"), 0.0)
	assert.Zero(t, g.EffectiveTrustInScope("A", "C", "deploy"))
	assert.InDelta(t, 0.9, g.EffectiveTrust("A", "B"), 1e-9)
}

func TestFindTrustPath(t *testing.T) {
	g, _ := newTestGraph(t)
	mustDelegate(t, g, "A", "B", 0.5)
	mustDelegate(t, g, "B", "D", 0.5)
	mustDelegate(t, g, "A", "C", 0.9)
	mustDelegate(t, g, "C", "D", 0.9)
	mustDelegate(t, g, "D", "E", 0.9)

	path, ok := g.FindTrustPath("A", "E")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "D", "E"}, path)

	path, ok = g.FindTrustPath("A", "A")
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, path)

	_, ok = g.FindTrustPath("E", "A")
	assert.False(t, ok)
}

func TestDelegationListings(t *testing.T) {
	g, _ := newTestGraph(t)
	mustDelegate(t, g, "A", "C", 0.5)
	mustDelegate(t, g, "A", "B", 0.5)
	mustDelegate(t, g, "D", "B", 0.5)

	out := g.Delegations("A")
	require.Len(t, out, 2)
	assert.Equal(t, "B", out[0].To)
	assert.Equal(t, "C", out[1].To)

	in := g.DelegationsTo("B")
	require.Len(t, in, 2)
	assert.Equal(t, "A", in[0].From)
	assert.Equal(t, "D", in[1].From)
}

func mustDelegate(t *testing.T, g *Graph, from, to string, w float64) {
	t.Helper()
	_, err := g.Delegate(from, to, "", w, time.Time{})
	require.NoError(t, err)
}
