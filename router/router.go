// Package router implements the signal router: per-capability candidate
// pools with health filtering and a pluggable selection strategy. Routing
// decisions update running statistics (decision counts, per-destination mean
// response time) as an observable side effect.
package router

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/core"
	"github.com/relaymesh/relaymesh/logging"
	"github.com/relaymesh/relaymesh/registry"
)

// ErrNoCandidates is returned when the candidate set is empty after health
// and scope filtering.
var ErrNoCandidates = errors.New("router: no healthy candidates")

// RouteContext carries caller-supplied inputs to a routing decision.
type RouteContext struct {
	// Seed drives deterministic round-robin selection.
	Seed string
	// Key drives hash-based sticky selection.
	Key string
	// Scope optionally restricts the candidate set to the listed ids,
	// e.g. participants of a preferred business function.
	Scope []string
}

// Statistics is a snapshot of the router's running counters.
type Statistics struct {
	Decisions int64
	Successes int64
	Failures  int64
	// MeanResponseTime holds the incrementally averaged response time per
	// destination, in milliseconds.
	MeanResponseTime map[string]float64
}

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Registry supplies load factors for weighted and intelligent
	// strategies. Required for those strategies to be meaningful.
	Registry *registry.Registry
	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger
	// Metrics defaults to NoOpMetrics if nil.
	Metrics core.MetricsSink
	// Rand is the source for the weighted strategy's uniform draw. Inject
	// a fixed-seed source in tests for reproducible draws.
	Rand *rand.Rand
}

// Router selects one destination among the healthy candidates registered for
// a capability. Safe for concurrent use; all internal maps share one mutex,
// including the rand source used by the weighted strategy.
type Router struct {
	mu sync.Mutex

	candidates map[string][]string // capability -> candidate ids, registration order
	healthy    map[string]bool     // absent means unhealthy
	conns      map[string]int
	samples    map[string][]float64 // last <=10 response times, ms

	// incremental mean bookkeeping per destination
	meanRT    map[string]float64
	rtSamples map[string]int64

	decisions int64
	successes int64
	failures  int64

	reg     *registry.Registry
	rng     *rand.Rand
	logger  logging.Logger
	metrics core.MetricsSink
}

// New constructs an empty router.
func New(optFns ...func(o *Options)) *Router {
	opts := Options{
		Logger:  logging.NoOpLogger{},
		Metrics: core.NoOpMetrics{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Router{
		candidates: make(map[string][]string),
		healthy:    make(map[string]bool),
		conns:      make(map[string]int),
		samples:    make(map[string][]float64),
		meanRT:     make(map[string]float64),
		rtSamples:  make(map[string]int64),
		reg:        opts.Registry,
		rng:        opts.Rand,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// AddCandidate registers id as a candidate for capability and marks it
// healthy. Idempotent per (capability, id) pair; order of first registration
// is the tie-break order.
func (r *Router) AddCandidate(capability, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.candidates[capability] {
		if existing == id {
			return
		}
	}
	r.candidates[capability] = append(r.candidates[capability], id)
	r.healthy[id] = true
}

// RemoveCandidate drops id from every capability pool and forgets its
// health, connection and response-time state.
func (r *Router) RemoveCandidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for capability, ids := range r.candidates {
		kept := ids[:0]
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		r.candidates[capability] = kept
	}
	delete(r.healthy, id)
	delete(r.conns, id)
	delete(r.samples, id)
	delete(r.meanRT, id)
	delete(r.rtSamples, id)
}

// SetHealth records the most recent liveness verdict for id. A candidate
// absent from the health map is treated as unhealthy.
func (r *Router) SetHealth(id string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy[id] = healthy
}

// IncConnections records one more open connection to id.
func (r *Router) IncConnections(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id]++
}

// DecConnections records one connection to id closing.
func (r *Router) DecConnections(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[id] > 0 {
		r.conns[id]--
	}
}

// RecordResponseTime appends a response-time sample for id, keeping the last
// ten for strategy input and folding the value into the destination's
// incremental mean.
func (r *Router) RecordResponseTime(id string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()

	window := append(r.samples[id], ms)
	if len(window) > maxSamples {
		window = window[len(window)-maxSamples:]
	}
	r.samples[id] = window

	r.rtSamples[id]++
	r.meanRT[id] += (ms - r.meanRT[id]) / float64(r.rtSamples[id])
}

// Route selects one candidate for capability using the given strategy, or
// returns ErrNoCandidates when health and scope filtering leave nothing to
// choose from. Every call counts as a decision; the outcome feeds the
// success/failure counters and the metrics sink.
func (r *Router) Route(capability string, strategy Strategy, rctx RouteContext) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decisions++
	r.metrics.IncrCounter("router.decisions", 1)

	pool := r.filteredLocked(capability, rctx.Scope)
	if len(pool) == 0 {
		r.failures++
		r.metrics.IncrCounter("router.failures", 1)
		r.logger.Warn("routing failed", "capability", capability, "strategy", string(strategy), "reason", "no healthy candidates")
		return "", ErrNoCandidates
	}

	selected := r.selectLocked(pool, strategy, rctx)
	r.successes++
	r.metrics.IncrCounter("router.successes", 1)
	r.logger.Debug("routing decision", "capability", capability, "strategy", string(strategy), "selected", selected, "candidates", len(pool))
	return selected, nil
}

// filteredLocked returns the healthy candidates for capability, restricted
// to the scope when one is supplied. Caller must hold the mutex.
func (r *Router) filteredLocked(capability string, scope []string) []string {
	var allowed map[string]bool
	if len(scope) > 0 {
		allowed = make(map[string]bool, len(scope))
		for _, id := range scope {
			allowed[id] = true
		}
	}

	var pool []string
	for _, id := range r.candidates[capability] {
		if !r.healthy[id] {
			continue
		}
		if allowed != nil && !allowed[id] {
			continue
		}
		pool = append(pool, id)
	}
	return pool
}

func (r *Router) selectLocked(pool []string, strategy Strategy, rctx RouteContext) string {
	switch strategy {
	case StrategyRoundRobin:
		return selectRoundRobin(pool, rctx.Seed)
	case StrategyWeightedRoundRobin:
		return selectWeighted(pool, r.loadLocked, r.rng)
	case StrategyLeastConnections:
		return selectLeastConnections(pool, func(id string) int { return r.conns[id] })
	case StrategyLeastResponseTime:
		return selectLeastResponseTime(pool, r.windowMeanLocked)
	case StrategyHashBased:
		return selectHashBased(pool, rctx.Key)
	default:
		return selectIntelligent(pool, r.loadLocked,
			func(id string) int { return r.conns[id] },
			r.windowMeanLocked,
			func(id string) bool { return r.healthy[id] })
	}
}

// loadLocked reads the participant's load factor from the registry; unknown
// participants count as unloaded.
func (r *Router) loadLocked(id string) float64 {
	if p := r.reg.Get(id); p != nil {
		return p.LoadFactor
	}
	return 0
}

// windowMeanLocked averages the last recorded samples for id, or the
// sentinel when there is no history.
func (r *Router) windowMeanLocked(id string) float64 {
	window := r.samples[id]
	if len(window) == 0 {
		return responseTimeSentinel
	}
	sum := 0.0
	for _, s := range window {
		sum += s
	}
	return sum / float64(len(window))
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	mean := make(map[string]float64, len(r.meanRT))
	for id, m := range r.meanRT {
		mean[id] = m
	}
	return Statistics{
		Decisions:        r.decisions,
		Successes:        r.successes,
		Failures:         r.failures,
		MeanResponseTime: mean,
	}
}
