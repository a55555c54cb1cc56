package retrieval

import "log/slog"

// State is a step of a single retrieval.
type State int

const (
	StateIdle State = iota
	StateAnalyzing
	StateRelevanceOnly
	StateDiversityOnly
	StateHybrid
	StateAnnotated
	StateDone
	StateFailed
	StateFallbackRelevance
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateAnalyzing:         "analyzing",
	StateRelevanceOnly:     "relevance_only",
	StateDiversityOnly:     "diversity_only",
	StateHybrid:            "hybrid",
	StateAnnotated:         "annotated",
	StateDone:              "done",
	StateFailed:            "failed",
	StateFallbackRelevance: "fallback_relevance",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// canFail reports whether a failure in this state moves to StateFailed.
func (s State) canFail() bool {
	return s != StateIdle && s != StateDone && s != StateFailed && s != StateFallbackRelevance
}

// tracker follows one retrieval through its states.
type tracker struct {
	state     State
	requestID string
	logger    *slog.Logger
	trace     []State
}

func newTracker(requestID string, logger *slog.Logger) *tracker {
	return &tracker{
		state:     StateIdle,
		requestID: requestID,
		logger:    logger.With("request_id", requestID),
		trace:     []State{StateIdle},
	}
}

func (t *tracker) to(next State, args ...any) {
	t.logger.Debug("retrieval state change", append([]any{"from", t.state, "to", next}, args...)...)
	t.state = next
	t.trace = append(t.trace, next)
}

// strategyState maps a strategy to the state that executes it.
func strategyState(s Strategy) State {
	switch s {
	case StrategyDiversity:
		return StateDiversityOnly
	case StrategyHybrid:
		return StateHybrid
	default:
		return StateRelevanceOnly
	}
}
