package cache

import "errors"

var (
	ErrEmbedderRequired = errors.New("embedder is required")
	ErrInvalidSize      = errors.New("cache size must be positive")
	ErrInvalidTTL       = errors.New("cache ttl must be positive")
)
