package router

import (
	"hash/fnv"
	"math/rand"
)

// Strategy names a candidate-selection policy. All strategies operate on the
// health-filtered, scope-filtered candidate list in registration order; ties
// always break toward the earlier candidate.
type Strategy string

const (
	// StrategyRoundRobin selects deterministically by hashing the caller
	// supplied seed modulo the candidate count. The same seed always
	// yields the same candidate for a given candidate set.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyWeightedRoundRobin selects proportionally to 1 - load via a
	// single uniform draw over the cumulative weight range.
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	// StrategyLeastConnections selects the candidate with the fewest open
	// connections.
	StrategyLeastConnections Strategy = "least_connections"
	// StrategyLeastResponseTime selects the candidate with the lowest mean
	// over its last ten response-time samples.
	StrategyLeastResponseTime Strategy = "least_response_time"
	// StrategyHashBased selects by hashing the caller supplied key, giving
	// sticky assignment for a stable key.
	StrategyHashBased Strategy = "hash_based"
	// StrategyIntelligent is the composite default scoring load,
	// connections, response time and health together.
	StrategyIntelligent Strategy = "intelligent"
)

// responseTimeSentinel stands in for the mean when a candidate has no
// recorded samples, deprioritizing unknown history instead of preferring it.
const responseTimeSentinel = 1e9

// maxSamples bounds the response-time window per candidate.
const maxSamples = 10

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// selectRoundRobin picks hash(seed) mod len. Deterministic: no rotating
// pointer, so repeated calls with one seed agree.
func selectRoundRobin(candidates []string, seed string) string {
	return candidates[int(hash32(seed)%uint32(len(candidates)))]
}

// selectHashBased picks hash(key) mod len. An empty key falls back to the
// first candidate; that edge case is deliberate, not a silent random pick.
func selectHashBased(candidates []string, key string) string {
	if key == "" {
		return candidates[0]
	}
	return candidates[int(hash32(key)%uint32(len(candidates)))]
}

// selectWeighted draws once uniformly over the cumulative weight range,
// weight = 1 - load. A zero total weight falls back to the first candidate.
func selectWeighted(candidates []string, load func(string) float64, rng *rand.Rand) string {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, id := range candidates {
		w := 1 - load(id)
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}
	draw := rng.Float64() * total
	cumulative := 0.0
	for i, id := range candidates {
		cumulative += weights[i]
		if draw < cumulative {
			return id
		}
	}
	return candidates[len(candidates)-1]
}

// selectLeastConnections picks the minimum open-connection count, first by
// list order on ties.
func selectLeastConnections(candidates []string, connections func(string) int) string {
	best := candidates[0]
	bestConns := connections(best)
	for _, id := range candidates[1:] {
		if c := connections(id); c < bestConns {
			best, bestConns = id, c
		}
	}
	return best
}

// selectLeastResponseTime picks the minimum mean of the last samples, first
// by list order on ties. Candidates without history score the sentinel.
func selectLeastResponseTime(candidates []string, meanRT func(string) float64) string {
	best := candidates[0]
	bestMean := meanRT(best)
	for _, id := range candidates[1:] {
		if m := meanRT(id); m < bestMean {
			best, bestMean = id, m
		}
	}
	return best
}

// intelligentScore is the composite routing score:
//
//	40×(1−load) + max(0, 20−2×connections) + max(0, 30−mean/10) + 10 if healthy
func intelligentScore(load float64, connections int, meanRT float64, healthy bool) float64 {
	score := 40 * (1 - load)
	if c := 20 - 2*float64(connections); c > 0 {
		score += c
	}
	if r := 30 - meanRT/10; r > 0 {
		score += r
	}
	if healthy {
		score += 10
	}
	return score
}

// selectIntelligent picks the maximum composite score, first by list order
// on ties.
func selectIntelligent(candidates []string, load func(string) float64, connections func(string) int, meanRT func(string) float64, healthy func(string) bool) string {
	best := candidates[0]
	bestScore := intelligentScore(load(best), connections(best), meanRT(best), healthy(best))
	for _, id := range candidates[1:] {
		if s := intelligentScore(load(id), connections(id), meanRT(id), healthy(id)); s > bestScore {
			best, bestScore = id, s
		}
	}
	return best
}
