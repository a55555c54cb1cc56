package retrieval

import "errors"

var (
	// ErrSearcherRequired is returned when no search executor is provided.
	ErrSearcherRequired = errors.New("searcher required")

	// ErrUnknownStrategy is returned for strategy names that don't parse.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrInvalidConfig is returned when a SearchConfig breaks its bounds.
	ErrInvalidConfig = errors.New("invalid search config")

	// ErrInvalidOption is returned when an option value is out of range.
	ErrInvalidOption = errors.New("invalid retriever option")

	// errStrategyPanic marks a recovered panic inside a strategy.
	errStrategyPanic = errors.New("strategy panicked")
)
