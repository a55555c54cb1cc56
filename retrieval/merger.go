package retrieval

import (
	"slices"
	"strconv"

	"github.com/poiesic/recall/core"
)

// DiversityBoost scales diversity scores before merging so MMR values and
// cosine scores compete on a comparable footing.
const DiversityBoost = 1.05

// Merge interleaves diversity and relevance results (diversity first),
// keeps the first occurrence of each content hash, boosts diversity scores
// by DiversityBoost, sorts by score descending and keeps the top k.
// Inputs are not modified.
func Merge(relevance, diversity []*core.ScoredFragment, k int) []*core.ScoredFragment {
	if k <= 0 {
		return []*core.ScoredFragment{}
	}

	merged := make([]*core.ScoredFragment, 0, len(relevance)+len(diversity))
	seen := make(map[string]struct{}, len(relevance)+len(diversity))
	add := func(sf *core.ScoredFragment, boost float32) {
		if sf == nil || sf.Fragment == nil {
			return
		}
		key := dedupKey(sf.Fragment)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		merged = append(merged, &core.ScoredFragment{Fragment: sf.Fragment, Score: sf.Score * boost})
	}

	for i := 0; i < max(len(relevance), len(diversity)); i++ {
		if i < len(diversity) {
			add(diversity[i], DiversityBoost)
		}
		if i < len(relevance) {
			add(relevance[i], 1)
		}
	}

	slices.SortStableFunc(merged, func(a, b *core.ScoredFragment) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})

	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

func dedupKey(f *core.Fragment) string {
	if f.ContentHash != "" {
		return f.ContentHash
	}
	return "id:" + strconv.FormatUint(uint64(f.Id), 10)
}
