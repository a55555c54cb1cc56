package retrieval

import (
	"fmt"
	"strings"

	"github.com/poiesic/recall/core"
)

// Level is an ordinal rating used for query complexity and specificity.
type Level int

const (
	LevelLow Level = iota + 1
	LevelMedium
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Strategy selects how results are retrieved.
type Strategy int

const (
	// StrategyAuto lets the analyzer decide. It is never the outcome of an analysis.
	StrategyAuto Strategy = iota
	// StrategyRelevance returns the nearest fragments above a score threshold.
	StrategyRelevance
	// StrategyDiversity re-ranks a larger candidate pool with MMR.
	StrategyDiversity
	// StrategyHybrid merges relevance and diversity results.
	StrategyHybrid
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyRelevance:
		return "relevance"
	case StrategyDiversity:
		return "diversity"
	case StrategyHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a name back to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return StrategyAuto, nil
	case "relevance":
		return StrategyRelevance, nil
	case "diversity", "mmr":
		return StrategyDiversity, nil
	case "hybrid":
		return StrategyHybrid, nil
	default:
		return StrategyAuto, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// Signals are the lexical features an analysis was based on.
type Signals struct {
	Tokens       int  // content words, stop words excluded
	Technical    int  // identifiers, versions, acronyms, paths
	Quoted       int  // quoted phrases
	Entities     int  // capitalised words past the first
	Enumerations int  // list separators and conjunctions
	Broad        bool // exploratory cue words
	Precise      bool // pinpointing cue words
}

// QueryAnalysis is the analyzer's verdict on a query.
type QueryAnalysis struct {
	Complexity  Level
	Specificity Level
	Strategy    Strategy
	Confidence  float64
	Signals     Signals
}

// Annotation records how a result was produced.
type Annotation struct {
	Strategy    Strategy
	Confidence  float64
	Complexity  Level
	Specificity Level
	Fallback    bool
	RequestID   string
}

// Result is a retrieved fragment with its score and annotation.
type Result struct {
	Fragment   *core.Fragment
	Score      float32
	Annotation Annotation
}
