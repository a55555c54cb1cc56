package ingestion

import "errors"

var (
	// ErrRepositoryRequired is returned when a fragment repository is not provided.
	ErrRepositoryRequired = errors.New("fragment repository required")

	// ErrAIProviderRequired is returned when an AI provider is not provided.
	ErrAIProviderRequired = errors.New("AI provider required")

	// ErrEmbeddingFailed wraps errors from the embedding provider.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrStoreFailed wraps store-level failures during upsert.
	ErrStoreFailed = errors.New("store failed")
)
