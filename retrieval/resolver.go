package retrieval

import (
	"fmt"

	"github.com/poiesic/recall/search"
)

const (
	// MaxK caps the number of results a retrieval can return.
	MaxK = 100
	// MaxFetchK caps the candidate pool of any strategy.
	MaxFetchK = search.MaxFetchK
)

// SearchConfig holds the concrete parameters of one retrieval.
type SearchConfig struct {
	K      int
	FetchK int
	Lambda float64
	// ScoreThreshold drops results scoring below it. Only set for Relevance.
	ScoreThreshold *float32
}

// Validate checks the config invariants.
func (c SearchConfig) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("%w: k must be at least 1, got %d", ErrInvalidConfig, c.K)
	}
	if c.FetchK < c.K || c.FetchK > MaxFetchK {
		return fmt.Errorf("%w: fetchK %d outside [%d, %d]", ErrInvalidConfig, c.FetchK, c.K, MaxFetchK)
	}
	if c.Lambda < 0 || c.Lambda > 1 {
		return fmt.Errorf("%w: lambda %v outside [0, 1]", ErrInvalidConfig, c.Lambda)
	}
	return nil
}

var (
	relevanceThresholds = map[Level]float32{LevelLow: 0.3, LevelMedium: 0.25, LevelHigh: 0.2}
	diversityLambdas    = map[Level]float64{LevelLow: 0.5, LevelMedium: 0.6, LevelHigh: 0.7}
)

const hybridLambda = 0.7

// Resolve maps a strategy and query complexity to search parameters. k is
// clamped to [1, MaxK]; unknown strategies resolve like Relevance.
func Resolve(strategy Strategy, complexity Level, k int) SearchConfig {
	k = min(max(k, 1), MaxK)
	if complexity < LevelLow || complexity > LevelHigh {
		complexity = LevelMedium
	}

	cfg := SearchConfig{K: k}
	switch strategy {
	case StrategyDiversity:
		// Broad queries need a wider pool to find distinct fragments
		multiplier := 5
		if complexity == LevelHigh {
			multiplier = 4
		}
		cfg.FetchK = k * multiplier
		cfg.Lambda = diversityLambdas[complexity]
	case StrategyHybrid:
		cfg.FetchK = k * 4
		cfg.Lambda = hybridLambda
	default:
		cfg.FetchK = k * 3
		cfg.Lambda = 1
		threshold := relevanceThresholds[complexity]
		cfg.ScoreThreshold = &threshold
	}
	cfg.FetchK = min(max(cfg.FetchK, k), MaxFetchK)
	return cfg
}
