package ingestion

import (
	"context"
	"fmt"

	"github.com/poiesic/recall/ai"
)

// embedMissing fills vectors for non-blank inputs that have none, using a
// single batch call. Blank inputs are never sent to the embedder.
func (p *Pipeline) embedMissing(ctx context.Context, inputs []Input, vectors [][]float32) error {
	var (
		texts   []string
		indexes []int
	)
	for i := range inputs {
		if len(vectors[i]) > 0 || ai.IsBlank(inputs[i].Content) {
			continue
		}
		texts = append(texts, inputs[i].Content)
		indexes = append(indexes, i)
	}
	if len(texts) == 0 {
		return nil
	}

	p.logger.Debug("generating embeddings", "texts", len(texts), "precomputed", len(inputs)-len(texts))
	embeddings, err := p.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		p.logger.Error("error generating embeddings", "err", err)
		return fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if len(embeddings) != len(texts) {
		return fmt.Errorf("%w: %w: expected %d, received %d",
			ErrEmbeddingFailed, ai.ErrEmbeddingCount, len(texts), len(embeddings))
	}

	for j, idx := range indexes {
		vectors[idx] = embeddings[j]
	}
	return nil
}
