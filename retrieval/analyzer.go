package retrieval

import (
	"log/slog"
	"strings"
)

// FallbackConfidence is reported when the analyzer cannot classify a query.
const FallbackConfidence = 0.2

// Analyzer classifies queries with lexical heuristics. It is stateless
// and safe for concurrent use.
type Analyzer struct {
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer. A nil logger uses slog.Default().
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{logger: logger.With("component", "query-analyzer")}
}

// Analyze rates the query and recommends a strategy:
//
//   - short or broad exploratory queries with low specificity: Diversity
//   - precise queries full of entities, identifiers or quotes: Relevance
//   - everything in between: Hybrid
//
// It never fails. Blank queries and internal errors yield Relevance with
// FallbackConfidence.
func (a *Analyzer) Analyze(query string) (analysis QueryAnalysis) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("query analysis panicked, using fallback", "panic", r)
			analysis = fallbackAnalysis()
		}
	}()

	if strings.TrimSpace(query) == "" {
		return fallbackAnalysis()
	}

	signals := extractSignals(query)
	analysis = QueryAnalysis{
		Complexity:  rateComplexity(signals),
		Specificity: rateSpecificity(signals),
		Signals:     signals,
	}
	analysis.Strategy, analysis.Confidence = recommend(analysis)

	a.logger.Debug("query analyzed",
		"strategy", analysis.Strategy,
		"confidence", analysis.Confidence,
		"complexity", analysis.Complexity,
		"specificity", analysis.Specificity,
	)
	return analysis
}

func fallbackAnalysis() QueryAnalysis {
	return QueryAnalysis{
		Complexity:  LevelLow,
		Specificity: LevelLow,
		Strategy:    StrategyRelevance,
		Confidence:  FallbackConfidence,
	}
}

func extractSignals(query string) Signals {
	var s Signals

	s.Quoted = (strings.Count(query, `"`) + strings.Count(query, "`")) / 2
	s.Enumerations = strings.Count(query, ",") + strings.Count(query, ";")

	s.Tokens = len(tokenizeAndFilter(query))

	words := strings.Fields(query)
	for i, word := range words {
		cleaned := cleanWord(word)
		if cleaned == "" {
			continue
		}
		if enumerators[cleaned] {
			s.Enumerations++
		}
		if broadCues[cleaned] {
			s.Broad = true
		}
		if preciseCues[cleaned] {
			s.Precise = true
		}

		if isTechnical(word) {
			s.Technical++
			continue
		}
		// The first word of a sentence is capitalised anyway
		if i > 0 && !endsSentence(words[i-1]) && isEntity(word) {
			s.Entities++
		}
	}
	return s
}

// rateComplexity grows with the number of content words and enumerated items.
func rateComplexity(s Signals) Level {
	score := s.Tokens + 2*s.Enumerations
	switch {
	case score <= 4:
		return LevelLow
	case score >= 12:
		return LevelHigh
	default:
		return LevelMedium
	}
}

func specificityScore(s Signals) int {
	score := 2*s.Technical + 2*s.Quoted + s.Entities
	if s.Precise {
		score += 2
	}
	if s.Broad {
		score -= 2
	}
	return score
}

func rateSpecificity(s Signals) Level {
	score := specificityScore(s)
	switch {
	case score <= 0:
		return LevelLow
	case score >= 4:
		return LevelHigh
	default:
		return LevelMedium
	}
}

// recommend maps ratings to a strategy. Confidence grows with how far the
// signals sit from the decision boundaries.
func recommend(a QueryAnalysis) (Strategy, float64) {
	s := a.Signals
	switch {
	case a.Specificity == LevelHigh:
		margin := min(specificityScore(s)-4, 6)
		confidence := 0.6 + 0.05*float64(margin)
		if a.Complexity != LevelLow {
			confidence += 0.05
		}
		return StrategyRelevance, clamp01(confidence)

	case a.Specificity == LevelLow && (a.Complexity == LevelLow || s.Broad):
		confidence := 0.6
		if s.Broad {
			confidence += 0.15
		}
		if a.Complexity == LevelLow {
			confidence += 0.1
		}
		return StrategyDiversity, clamp01(confidence)

	default:
		confidence := 0.5
		if a.Specificity == LevelMedium && a.Complexity == LevelMedium {
			confidence = 0.6
		}
		return StrategyHybrid, confidence
	}
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
