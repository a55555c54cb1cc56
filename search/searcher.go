package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/poiesic/recall/ai"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
)

const (
	// DefaultTimeout bounds every embedding and store call.
	DefaultTimeout = 10 * time.Second
	// DefaultOverFetch multiplies k into the store's candidate pool size.
	DefaultOverFetch = 10
	// MaxFetchK caps the number of MMR candidates.
	MaxFetchK = 200
	// MaxCandidates caps the store's candidate pool.
	MaxCandidates = 2000
)

// Searcher runs similarity and MMR searches over active fragments.
//
// The Find* methods return errors for callers that need to react to them.
// Search and MMRSearch are best-effort: failures are logged and yield an
// empty result.
type Searcher struct {
	repository storage.FragmentRepository
	embedder   ai.Embedder
	recorder   *AccessRecorder
	timeout    time.Duration
	overFetch  int
	logger     *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithTimeout sets the per-call timeout for embedding and store calls.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Searcher) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidOption)
		}
		s.timeout = timeout
		return nil
	}
}

// WithOverFetch sets the candidate pool multiplier.
func WithOverFetch(factor int) Option {
	return func(s *Searcher) error {
		if factor < 1 {
			return fmt.Errorf("%w: over-fetch factor must be at least 1", ErrInvalidOption)
		}
		s.overFetch = factor
		return nil
	}
}

// WithEmbedder replaces the provider's embedder, e.g. with a caching decorator.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(s *Searcher) error {
		if embedder != nil {
			s.embedder = embedder
		}
		return nil
	}
}

// WithAccessRecorder enables access counting for returned fragments.
func WithAccessRecorder(recorder *AccessRecorder) Option {
	return func(s *Searcher) error {
		s.recorder = recorder
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(repository storage.FragmentRepository, provider ai.AIProvider, opts ...Option) (*Searcher, error) {
	if repository == nil {
		return nil, ErrRepositoryRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}

	s := &Searcher{
		repository: repository,
		embedder:   provider.Embedder(),
		timeout:    DefaultTimeout,
		overFetch:  DefaultOverFetch,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")

	return s, nil
}

// FindSimilar returns up to k active fragments ranked by cosine similarity
// to the query. A blank query returns no results.
func (s *Searcher) FindSimilar(ctx context.Context, query string, k int, filter *core.Filter) ([]*core.ScoredFragment, error) {
	return s.FindSimilarWithMonitor(ctx, query, k, filter, nil)
}

// FindSimilarWithMonitor is FindSimilar with stage callbacks.
func (s *Searcher) FindSimilarWithMonitor(ctx context.Context, query string, k int, filter *core.Filter, monitor SearchMonitor) ([]*core.ScoredFragment, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	if ai.IsBlank(query) || k <= 0 {
		return []*core.ScoredFragment{}, nil
	}
	monitor.Start(query)

	queryVec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	monitor.AfterEmbedding(len(queryVec))

	results, err := s.similar(ctx, queryVec, k, filter, monitor)
	if err != nil {
		return nil, err
	}

	monitor.Finish(results)
	return results, nil
}

// FindSimilarVector is FindSimilar for a query that was already embedded
// with EmbedQuery. An empty vector returns no results.
func (s *Searcher) FindSimilarVector(ctx context.Context, queryVec []float32, k int, filter *core.Filter) ([]*core.ScoredFragment, error) {
	if len(queryVec) == 0 || k <= 0 {
		return []*core.ScoredFragment{}, nil
	}
	return s.similar(ctx, queryVec, k, filter, &noopMonitor{})
}

// FindDiverse returns up to k fragments chosen by maximal marginal relevance
// among the fetchK fragments most similar to the query. fetchK is clamped to
// [k, MaxFetchK] and lambda to [0, 1]. Scores are MMR values.
func (s *Searcher) FindDiverse(ctx context.Context, query string, k, fetchK int, lambda float64, filter *core.Filter) ([]*core.ScoredFragment, error) {
	return s.FindDiverseWithMonitor(ctx, query, k, fetchK, lambda, filter, nil)
}

// FindDiverseWithMonitor is FindDiverse with stage callbacks.
func (s *Searcher) FindDiverseWithMonitor(ctx context.Context, query string, k, fetchK int, lambda float64, filter *core.Filter, monitor SearchMonitor) ([]*core.ScoredFragment, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	if ai.IsBlank(query) || k <= 0 {
		return []*core.ScoredFragment{}, nil
	}
	monitor.Start(query)

	queryVec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	monitor.AfterEmbedding(len(queryVec))

	results, err := s.diverse(ctx, queryVec, k, fetchK, lambda, filter, monitor)
	if err != nil {
		return nil, err
	}

	monitor.Finish(results)
	return results, nil
}

// FindDiverseVector is FindDiverse for a query that was already embedded
// with EmbedQuery. An empty vector returns no results.
func (s *Searcher) FindDiverseVector(ctx context.Context, queryVec []float32, k, fetchK int, lambda float64, filter *core.Filter) ([]*core.ScoredFragment, error) {
	if len(queryVec) == 0 || k <= 0 {
		return []*core.ScoredFragment{}, nil
	}
	return s.diverse(ctx, queryVec, k, fetchK, lambda, filter, &noopMonitor{})
}

// EmbedQuery embeds query under the searcher's timeout so several searches
// can share one vector.
func (s *Searcher) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if ai.IsBlank(query) {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, ai.ErrEmptyInput)
	}
	return s.embedQuery(ctx, query)
}

// Search is the best-effort form of FindSimilar. Errors and timeouts are
// logged and produce an empty result. Returned fragments are counted as
// accessed.
func (s *Searcher) Search(ctx context.Context, query string, k int, filter *core.Filter) []*core.ScoredFragment {
	results, err := s.FindSimilar(ctx, query, k, filter)
	if err != nil {
		s.logger.Warn("similarity search failed", "k", k, "err", err)
		return []*core.ScoredFragment{}
	}
	s.RecordAccess(results)
	return results
}

// MMRSearch is the best-effort form of FindDiverse.
func (s *Searcher) MMRSearch(ctx context.Context, query string, k, fetchK int, lambda float64, filter *core.Filter) []*core.ScoredFragment {
	results, err := s.FindDiverse(ctx, query, k, fetchK, lambda, filter)
	if err != nil {
		s.logger.Warn("mmr search failed", "k", k, "fetch_k", fetchK, "err", err)
		return []*core.ScoredFragment{}
	}
	s.RecordAccess(results)
	return results
}

// RecordAccess hands the result ids to the access recorder, if one is set.
func (s *Searcher) RecordAccess(results []*core.ScoredFragment) {
	if s.recorder == nil || len(results) == 0 {
		return
	}
	s.recorder.Record(ids(results)...)
}

// similar runs the store search for an embedded query.
func (s *Searcher) similar(ctx context.Context, queryVec []float32, limit int, filter *core.Filter, monitor SearchMonitor) ([]*core.ScoredFragment, error) {
	numCandidates := min(limit*s.overFetch, MaxCandidates)
	numCandidates = max(numCandidates, limit)

	searchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	results, err := s.repository.VectorSearch(searchCtx, queryVec, numCandidates, limit, filter)
	if err != nil {
		s.logger.Error("error querying for similar fragments", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	if results == nil {
		results = []*core.ScoredFragment{}
	}

	monitor.AfterVectorSearch(ids(results))
	return results, nil
}

// diverse fetches the candidate pool for an embedded query and reranks it.
func (s *Searcher) diverse(ctx context.Context, queryVec []float32, k, fetchK int, lambda float64, filter *core.Filter, monitor SearchMonitor) ([]*core.ScoredFragment, error) {
	fetchK = min(max(fetchK, k), MaxFetchK)
	if math.IsNaN(lambda) {
		lambda = 1
	}
	lambda = min(max(lambda, 0), 1)

	candidates, err := s.similar(ctx, queryVec, fetchK, filter, monitor)
	if err != nil {
		return nil, err
	}

	candidates, err = s.prepareCandidates(ctx, queryVec, candidates, monitor)
	if err != nil {
		return nil, err
	}
	results := Rerank(queryVec, candidates, k, lambda)
	monitor.AfterRerank(ids(results))

	s.logger.Debug("mmr search complete", "candidates", len(candidates), "selected", len(results), "lambda", lambda)
	return results, nil
}

func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vector, err := s.embedder.EmbedText(embedCtx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrEmbeddingFailed)
	}
	return vector, nil
}

// prepareCandidates makes sure every candidate carries a vector comparable
// with the query. Candidates without one are re-embedded in a single batch.
// Blank content and candidates that could not be re-embedded are dropped.
// A vector of another dimension means the store or embedder is
// misconfigured and fails the search with core.ErrDimensionMismatch.
func (s *Searcher) prepareCandidates(ctx context.Context, queryVec []float32, candidates []*core.ScoredFragment, monitor SearchMonitor) ([]*core.ScoredFragment, error) {
	var (
		texts   []string
		missing []int
	)
	for i, c := range candidates {
		if len(c.Fragment.Vector) == 0 && !c.Fragment.IsBlank() {
			texts = append(texts, c.Fragment.Content)
			missing = append(missing, i)
		}
	}

	vectors := make(map[int][]float32, len(missing))
	if len(texts) > 0 {
		embedCtx, cancel := context.WithTimeout(ctx, s.timeout)
		embedded, err := s.embedder.EmbedTexts(embedCtx, texts)
		cancel()
		switch {
		case err != nil:
			s.logger.Warn("re-embedding candidates failed, dropping them", "count", len(texts), "err", err)
		case len(embedded) != len(texts):
			s.logger.Warn("re-embedding returned wrong count, dropping candidates", "expected", len(texts), "received", len(embedded))
		default:
			for j, idx := range missing {
				vectors[idx] = embedded[j]
			}
		}
	}

	prepared := make([]*core.ScoredFragment, 0, len(candidates))
	dropped := 0
	for i, c := range candidates {
		vector := c.Fragment.Vector
		if v, ok := vectors[i]; ok {
			// Work on a copy so the store's fragment is left untouched
			fragment := c.Fragment.Clone()
			fragment.Vector = v
			c = &core.ScoredFragment{Fragment: fragment, Score: c.Score}
			vector = v
		}
		if len(vector) == 0 {
			dropped++
			continue
		}
		if len(vector) != len(queryVec) {
			s.logger.Error("mmr candidate has wrong dimension",
				"fragment", c.Fragment.Id, "expected", len(queryVec), "got", len(vector))
			return nil, fmt.Errorf("%w: fragment %d has %d dimensions, query has %d",
				core.ErrDimensionMismatch, c.Fragment.Id, len(vector), len(queryVec))
		}
		prepared = append(prepared, c)
	}

	monitor.AfterReembedding(len(vectors), dropped)
	if dropped > 0 {
		s.logger.Debug("dropped mmr candidates", "dropped", dropped, "remaining", len(prepared))
	}
	return prepared, nil
}

func ids(results []*core.ScoredFragment) []core.ID {
	out := make([]core.ID, len(results))
	for i, r := range results {
		out[i] = r.Fragment.Id
	}
	return out
}
