package reembed

import "errors"

var (
	// ErrInvalidMaxAttempts is returned when maxAttempts is <= 0
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")

	ErrRepositoryRequired = errors.New("repository is required")
	ErrEmbedderRequired   = errors.New("embedder is required")
	ErrInvalidConfig      = errors.New("invalid reembed config")
)
