package reembed

import (
	"context"
	"fmt"
	"time"

	"github.com/poiesic/recall/ai"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
)

// BatchProcessor embeds batches of fragments and writes the vectors back.
type BatchProcessor struct {
	repo           storage.FragmentRepository
	embedder       ai.Embedder
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewBatchProcessor creates a new batch processor.
// maxRetries: maximum number of attempts for each embedding call
// retryBaseDelay: base delay for exponential backoff
func NewBatchProcessor(repo storage.FragmentRepository, embedder ai.Embedder, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		repo:           repo,
		embedder:       embedder,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process embeds the non-blank fragments of a batch and stores their
// normalized vectors. It returns how many fragments were skipped as blank.
func (bp *BatchProcessor) Process(ctx context.Context, fragments []*core.Fragment) (skipped int, err error) {
	texts := make([]string, 0, len(fragments))
	ids := make([]core.ID, 0, len(fragments))
	for _, fragment := range fragments {
		if fragment.IsBlank() {
			skipped++
			continue
		}
		texts = append(texts, fragment.Content)
		ids = append(ids, fragment.Id)
	}
	if len(texts) == 0 {
		return skipped, nil
	}

	var embeddings [][]float32
	err = RetryWithBackoff(ctx, func() error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return skipped, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(texts) {
		return skipped, fmt.Errorf("%w: expected %d, got %d", ai.ErrEmbeddingCount, len(texts), len(embeddings))
	}

	vectors := make(map[core.ID][]float32, len(ids))
	for i, id := range ids {
		vectors[id] = core.NormalizeVector(embeddings[i])
	}
	if err := bp.repo.UpdateVectors(ctx, vectors); err != nil {
		return skipped, fmt.Errorf("failed to update vectors: %w", err)
	}

	return skipped, nil
}
