package router

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/core"
	"github.com/relaymesh/relaymesh/registry"
)

func newTestRouter(loads map[string]float64) (*Router, *registry.Registry) {
	reg := registry.New()
	for id, load := range loads {
		reg.Register(core.NewParticipant(id, core.KindWorker, "compute"))
		reg.UpdateLoad(id, load)
	}
	r := New(func(o *Options) {
		o.Registry = reg
		o.Rand = rand.New(rand.NewSource(1))
	})
	return r, reg
}

func addAll(r *Router, capability string, ids ...string) {
	for _, id := range ids {
		r.AddCandidate(capability, id)
	}
}

func TestRouteNoCandidates(t *testing.T) {
	r, _ := newTestRouter(nil)

	_, err := r.Route("compute", StrategyRoundRobin, RouteContext{Seed: "s"})
	assert.ErrorIs(t, err, ErrNoCandidates)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Decisions)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(0), stats.Successes)
}

func TestRouteFiltersUnhealthy(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0, "b": 0, "c": 0})
	addAll(r, "compute", "a", "b", "c")

	r.SetHealth("a", false)
	r.SetHealth("b", false)

	got, err := r.Route("compute", StrategyLeastConnections, RouteContext{})
	require.NoError(t, err)
	assert.Equal(t, "c", got)
}

// mustRoute returns the routed candidate or fails the test.
func mustRoute(t *testing.T, r *Router, capability string, s Strategy, rctx RouteContext) string {
	t.Helper()
	got, err := r.Route(capability, s, rctx)
	require.NoError(t, err)
	return got
}

func TestRoundRobinDeterminism(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0, "b": 0, "c": 0})
	addAll(r, "compute", "a", "b", "c")

	first := mustRoute(t, r, "compute", StrategyRoundRobin, RouteContext{Seed: "seed-42"})
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, mustRoute(t, r, "compute", StrategyRoundRobin, RouteContext{Seed: "seed-42"}))
	}
}

func TestHashBasedDeterminismAndKeylessFallback(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0, "b": 0, "c": 0})
	addAll(r, "compute", "a", "b", "c")

	first := mustRoute(t, r, "compute", StrategyHashBased, RouteContext{Key: "tenant-7"})
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, mustRoute(t, r, "compute", StrategyHashBased, RouteContext{Key: "tenant-7"}))
	}

	// No key: documented fallback to the first candidate.
	assert.Equal(t, "a", mustRoute(t, r, "compute", StrategyHashBased, RouteContext{}))
}

func TestWeightedZeroTotalWeightFallsBackToFirst(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 1, "b": 1})
	addAll(r, "compute", "a", "b")

	assert.Equal(t, "a", mustRoute(t, r, "compute", StrategyWeightedRoundRobin, RouteContext{}))
}

func TestWeightedPrefersUnloaded(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 1, "b": 0})
	addAll(r, "compute", "a", "b")

	// a carries weight 0, so every draw lands on b.
	for i := 0; i < 10; i++ {
		assert.Equal(t, "b", mustRoute(t, r, "compute", StrategyWeightedRoundRobin, RouteContext{}))
	}
}

func TestLeastConnections(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0, "b": 0, "c": 0})
	addAll(r, "compute", "a", "b", "c")

	r.IncConnections("a")
	r.IncConnections("a")
	r.IncConnections("b")

	assert.Equal(t, "c", mustRoute(t, r, "compute", StrategyLeastConnections, RouteContext{}))

	// Ties break toward earlier registration order.
	r.IncConnections("c")
	assert.Equal(t, "b", mustRoute(t, r, "compute", StrategyLeastConnections, RouteContext{}))
}

func TestLeastResponseTimeSentinel(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0, "b": 0})
	addAll(r, "compute", "a", "b")

	// b has history, a has none: missing history is deprioritized.
	r.RecordResponseTime("b", 500*time.Millisecond)
	assert.Equal(t, "b", mustRoute(t, r, "compute", StrategyLeastResponseTime, RouteContext{}))

	// Now a proves faster.
	r.RecordResponseTime("a", 5*time.Millisecond)
	assert.Equal(t, "a", mustRoute(t, r, "compute", StrategyLeastResponseTime, RouteContext{}))
}

func TestLeastResponseTimeWindowIsBounded(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0, "b": 0})
	addAll(r, "compute", "a", "b")

	// a starts slow, then records ten fast samples that evict the slow one.
	r.RecordResponseTime("a", time.Second)
	for i := 0; i < 10; i++ {
		r.RecordResponseTime("a", time.Millisecond)
	}
	r.RecordResponseTime("b", 100*time.Millisecond)

	assert.Equal(t, "a", mustRoute(t, r, "compute", StrategyLeastResponseTime, RouteContext{}))
}

func TestIntelligentScore(t *testing.T) {
	// Unloaded, idle, fast, healthy: full marks in every term.
	assert.InDelta(t, 100.0, intelligentScore(0, 0, 0, true), 1e-9)
	// Connection and response terms floor at zero.
	assert.InDelta(t, 50.0, intelligentScore(0, 50, 5000, true), 1e-9)
	// Load term scales linearly.
	assert.InDelta(t, 20.0, intelligentScore(0.5, 50, 5000, false), 1e-9)
}

func TestIntelligentPrefersLighterCandidate(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0.9, "b": 0.1})
	addAll(r, "compute", "a", "b")
	r.IncConnections("a")

	assert.Equal(t, "b", mustRoute(t, r, "compute", StrategyIntelligent, RouteContext{}))
}

func TestScopeRestrictsCandidates(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0, "b": 0, "c": 0})
	addAll(r, "compute", "a", "b", "c")

	got := mustRoute(t, r, "compute", StrategyRoundRobin, RouteContext{Seed: "s", Scope: []string{"b"}})
	assert.Equal(t, "b", got)

	_, err := r.Route("compute", StrategyRoundRobin, RouteContext{Seed: "s", Scope: []string{"ghost"}})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestStatsIncrementalMean(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0})
	addAll(r, "compute", "a")

	r.RecordResponseTime("a", 10*time.Millisecond)
	r.RecordResponseTime("a", 20*time.Millisecond)
	r.RecordResponseTime("a", 30*time.Millisecond)

	stats := r.Stats()
	assert.InDelta(t, 20.0, stats.MeanResponseTime["a"], 1e-9)
}

func TestRemoveCandidate(t *testing.T) {
	r, _ := newTestRouter(map[string]float64{"a": 0, "b": 0})
	addAll(r, "compute", "a", "b")

	r.RemoveCandidate("a")

	got := mustRoute(t, r, "compute", StrategyLeastConnections, RouteContext{})
	assert.Equal(t, "b", got)
}
