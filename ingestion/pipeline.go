package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/recall/ai"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
)

// Input is one fragment submitted for ingestion.
type Input struct {
	// ID is optional. Zero lets the store assign one.
	ID       core.ID
	Content  string
	Metadata core.Metadata
	// Vector is an optional precomputed embedding.
	Vector []float32
}

// Pipeline validates, embeds and stores fragments.
type Pipeline struct {
	repository storage.FragmentRepository
	embedder   ai.Embedder
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithEmbedder replaces the provider's embedder, e.g. with a caching decorator.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(p *Pipeline) error {
		if embedder != nil {
			p.embedder = embedder
		}
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(repository storage.FragmentRepository, provider ai.AIProvider, opts ...Option) (*Pipeline, error) {
	if repository == nil {
		return nil, ErrRepositoryRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}

	p := &Pipeline{
		repository: repository,
		embedder:   provider.Embedder(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "ingestion")

	return p, nil
}

// Ingest embeds inputs lacking a vector and stores them. It returns one id
// per input, in input order, and never a zero id. An input whose content is
// already active for the same owner is not stored again; its slot holds the
// existing id. An input whose supplied ID is already taken is not stored
// either; its slot holds that ID.
//
// Invalid metadata or mixed vector dimensions fail the whole call before
// anything is written, as does a vector whose length differs from the
// store's dimension. Embedding errors and store failures propagate. A store
// rejection that yields no id fails the call, although inputs committed in
// earlier store batches stay written.
func (p *Pipeline) Ingest(ctx context.Context, inputs []Input) ([]core.ID, error) {
	return p.ingest(ctx, inputs, true)
}

// AddVectors stores inputs that already carry their embeddings. Every
// non-blank input must have a vector.
func (p *Pipeline) AddVectors(ctx context.Context, inputs []Input) ([]core.ID, error) {
	return p.ingest(ctx, inputs, false)
}

func (p *Pipeline) ingest(ctx context.Context, inputs []Input, embed bool) ([]core.ID, error) {
	if len(inputs) == 0 {
		return []core.ID{}, nil
	}

	for i := range inputs {
		if err := core.ValidateMetadata(&inputs[i].Metadata); err != nil {
			return nil, fmt.Errorf("%w: input %d: %w", core.ErrInvalidFragment, i, err)
		}
	}

	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = inputs[i].Vector
	}
	if embed {
		if err := p.embedMissing(ctx, inputs, vectors); err != nil {
			return nil, err
		}
	}

	if err := checkDimensions(inputs, vectors); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fragments := make([]*core.Fragment, len(inputs))
	for i := range inputs {
		fragment := &core.Fragment{
			Id:          inputs[i].ID,
			Content:     inputs[i].Content,
			ContentHash: core.ContentHash(inputs[i].Content),
			Metadata:    inputs[i].Metadata,
			Status:      core.StatusActive,
			IngestedAt:  now,
			UpdatedAt:   now,
		}
		if !fragment.IsBlank() {
			fragment.Vector = vectors[i]
		}
		if err := core.ValidateFragment(fragment); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		fragments[i] = fragment
	}

	result, err := p.repository.UpsertFragments(ctx, fragments...)
	if err != nil {
		p.logger.Error("failed to store fragments", "count", len(fragments), "err", err)
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	p.logRejections(result)
	for _, rej := range result.Rejected {
		if rej.ID == 0 {
			return nil, fmt.Errorf("%w: input %d: %w", ErrStoreFailed, rej.Index, rej.Err)
		}
	}
	return result.IDs, nil
}

func (p *Pipeline) logRejections(result *storage.UpsertResult) {
	if len(result.Rejected) == 0 {
		p.logger.Debug("stored fragments", "inserted", result.Inserted)
		return
	}

	duplicates := 0
	for _, rej := range result.Rejected {
		if errors.Is(rej.Err, storage.ErrDuplicateKey) {
			duplicates++
			p.logger.Debug("skipped duplicate fragment", "index", rej.Index, "existing_id", rej.ID)
			continue
		}
		p.logger.Warn("fragment rejected by store", "index", rej.Index, "err", rej.Err)
	}
	p.logger.Info("stored fragments with rejections",
		"inserted", result.Inserted,
		"duplicates", duplicates,
		"rejected", len(result.Rejected)-duplicates,
	)
}

// checkDimensions requires every vector of non-blank content to share one length.
func checkDimensions(inputs []Input, vectors [][]float32) error {
	dim := -1
	for i := range inputs {
		if ai.IsBlank(inputs[i].Content) || len(vectors[i]) == 0 {
			continue
		}
		if dim < 0 {
			dim = len(vectors[i])
			continue
		}
		if len(vectors[i]) != dim {
			return fmt.Errorf("%w: input %d has %d dimensions, expected %d",
				core.ErrDimensionMismatch, i, len(vectors[i]), dim)
		}
	}
	return nil
}
