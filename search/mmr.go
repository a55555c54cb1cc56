package search

import (
	"math"

	"github.com/poiesic/recall/core"
)

// Rerank selects up to k candidates by maximal marginal relevance:
//
//	mmr(c) = lambda*cos(q, c) + (1-lambda)*(1 - max cos(c, s))
//
// where s ranges over the already selected candidates. Before the first
// selection the diversity term is 1. Ties go to the earlier candidate, so
// the result is deterministic for a given input order. The returned scores
// are the MMR values at the time each candidate was picked.
//
// Candidates without a vector are ignored. Vectors must have the query's
// length; CosineSimilarity panics otherwise.
func Rerank(queryVec []float32, candidates []*core.ScoredFragment, k int, lambda float64) []*core.ScoredFragment {
	if k <= 0 || len(candidates) == 0 {
		return []*core.ScoredFragment{}
	}

	relevance := make([]float64, len(candidates))
	maxSim := make([]float64, len(candidates))
	eligible := make([]bool, len(candidates))
	remaining := 0
	for i, c := range candidates {
		if c == nil || c.Fragment == nil || len(c.Fragment.Vector) == 0 {
			continue
		}
		relevance[i] = float64(core.CosineSimilarity(queryVec, c.Fragment.Vector))
		maxSim[i] = math.Inf(-1)
		eligible[i] = true
		remaining++
	}

	selected := make([]*core.ScoredFragment, 0, min(k, remaining))
	for len(selected) < k && remaining > 0 {
		best := -1
		bestScore := math.Inf(-1)
		for i := range candidates {
			if !eligible[i] {
				continue
			}
			diversity := 1.0
			if len(selected) > 0 {
				diversity = 1 - maxSim[i]
			}
			score := lambda*relevance[i] + (1-lambda)*diversity
			if math.IsNaN(score) || math.IsInf(score, 0) {
				continue
			}
			if best < 0 || score > bestScore {
				best = i
				bestScore = score
			}
		}
		// No finite score left
		if best < 0 {
			break
		}

		eligible[best] = false
		remaining--
		selected = append(selected, &core.ScoredFragment{
			Fragment: candidates[best].Fragment,
			Score:    float32(bestScore),
		})

		chosen := candidates[best].Fragment.Vector
		for i := range candidates {
			if !eligible[i] {
				continue
			}
			if sim := float64(core.CosineSimilarity(candidates[i].Fragment.Vector, chosen)); sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}

	return selected
}
