package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/recall/ai"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/search"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds the strategy phase of a retrieval. The fallback
// search runs under the caller's context only.
const DefaultTimeout = 15 * time.Second

// Executor runs the searches a retrieval is made of.
type Executor interface {
	FindSimilar(ctx context.Context, query string, k int, filter *core.Filter) ([]*core.ScoredFragment, error)
	FindDiverse(ctx context.Context, query string, k, fetchK int, lambda float64, filter *core.Filter) ([]*core.ScoredFragment, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	FindSimilarVector(ctx context.Context, queryVec []float32, k int, filter *core.Filter) ([]*core.ScoredFragment, error)
	FindDiverseVector(ctx context.Context, queryVec []float32, k, fetchK int, lambda float64, filter *core.Filter) ([]*core.ScoredFragment, error)
	Search(ctx context.Context, query string, k int, filter *core.Filter) []*core.ScoredFragment
	RecordAccess(results []*core.ScoredFragment)
}

var _ Executor = (*search.Searcher)(nil)

// Retriever picks a strategy per query, runs it and annotates the results.
// Any failure while doing so degrades to a plain relevance search.
type Retriever struct {
	executor  Executor
	analyzer  *Analyzer
	metrics   *Metrics
	timeout   time.Duration
	annotator func(*Result)
	observer  func(requestID string, states []State)
	logger    *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// WithTimeout bounds the strategy phase.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Retriever) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidOption)
		}
		r.timeout = timeout
		return nil
	}
}

// WithMetrics enables Prometheus counters.
func WithMetrics(metrics *Metrics) Option {
	return func(r *Retriever) error {
		r.metrics = metrics
		return nil
	}
}

// WithAnalyzer replaces the default analyzer.
func WithAnalyzer(analyzer *Analyzer) Option {
	return func(r *Retriever) error {
		if analyzer != nil {
			r.analyzer = analyzer
		}
		return nil
	}
}

// WithAnnotator adds a hook that can enrich each result's annotation.
// A panicking annotator is logged and otherwise ignored.
func WithAnnotator(fn func(*Result)) Option {
	return func(r *Retriever) error {
		r.annotator = fn
		return nil
	}
}

// WithStateObserver receives the states each retrieval went through.
func WithStateObserver(fn func(requestID string, states []State)) Option {
	return func(r *Retriever) error {
		r.observer = fn
		return nil
	}
}

// NewRetriever creates a retriever on top of a search executor.
func NewRetriever(executor Executor, opts ...Option) (*Retriever, error) {
	if executor == nil {
		return nil, ErrSearcherRequired
	}

	r := &Retriever{
		executor: executor,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "retriever")
	if r.analyzer == nil {
		r.analyzer = NewAnalyzer(r.logger)
	}

	return r, nil
}

// Retrieve returns up to k annotated fragments for query, choosing the
// strategy from the query itself. It never fails: blank queries return an
// empty list and internal failures fall back to relevance search.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter *core.Filter) []*Result {
	return r.RetrieveWithStrategy(ctx, query, k, filter, StrategyAuto)
}

// RetrieveWithStrategy is Retrieve with the analyzer's strategy overridden.
// StrategyAuto keeps the analyzer's choice.
func (r *Retriever) RetrieveWithStrategy(ctx context.Context, query string, k int, filter *core.Filter, strategy Strategy) []*Result {
	start := time.Now()
	t := newTracker(uuid.NewString(), r.logger)
	if r.observer != nil {
		defer func() { r.observer(t.requestID, slices.Clone(t.trace)) }()
	}

	if ai.IsBlank(query) || k <= 0 {
		t.to(StateDone, "reason", "empty query")
		return []*Result{}
	}
	if strategy < StrategyAuto || strategy > StrategyHybrid {
		t.logger.Warn("ignoring unknown strategy override", "strategy", strategy)
		strategy = StrategyAuto
	}

	analysis := fallbackAnalysis()
	fragments, err := r.execute(ctx, t, query, k, filter, strategy, &analysis)
	if err != nil {
		return r.fallback(ctx, t, query, k, filter, analysis, err, start)
	}

	r.executor.RecordAccess(fragments)
	results := r.annotate(t, fragments, analysis, false)
	t.to(StateDone, "results", len(results))
	r.metrics.recordRetrieval(analysis.Strategy, time.Since(start).Seconds())
	return results
}

// execute runs the Analyzing and strategy states. Panics are returned as errors.
func (r *Retriever) execute(ctx context.Context, t *tracker, query string, k int, filter *core.Filter, forced Strategy, analysis *QueryAnalysis) (results []*core.ScoredFragment, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errStrategyPanic, p)
		}
	}()

	t.to(StateAnalyzing)
	*analysis = r.analyzer.Analyze(query)
	if forced != StrategyAuto {
		analysis.Strategy = forced
		analysis.Confidence = 1
	}

	cfg := Resolve(analysis.Strategy, analysis.Complexity, k)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	t.to(strategyState(analysis.Strategy),
		"confidence", analysis.Confidence,
		"k", cfg.K,
		"fetch_k", cfg.FetchK,
		"lambda", cfg.Lambda,
	)
	switch analysis.Strategy {
	case StrategyDiversity:
		return r.executor.FindDiverse(ctx, query, cfg.K, cfg.FetchK, cfg.Lambda, filter)
	case StrategyHybrid:
		return r.hybrid(ctx, query, cfg, filter)
	default:
		return r.relevance(ctx, query, cfg, filter)
	}
}

func (r *Retriever) relevance(ctx context.Context, query string, cfg SearchConfig, filter *core.Filter) ([]*core.ScoredFragment, error) {
	results, err := r.executor.FindSimilar(ctx, query, cfg.K, filter)
	if err != nil {
		return nil, err
	}
	if cfg.ScoreThreshold == nil {
		return results, nil
	}

	threshold := *cfg.ScoreThreshold
	kept := make([]*core.ScoredFragment, 0, len(results))
	for _, sf := range results {
		if sf.Score >= threshold {
			kept = append(kept, sf)
		}
	}
	return kept, nil
}

// hybrid embeds the query once, runs the relevance and diversity legs
// concurrently on that vector and merges them.
func (r *Retriever) hybrid(ctx context.Context, query string, cfg SearchConfig, filter *core.Filter) ([]*core.ScoredFragment, error) {
	queryVec, err := r.executor.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	var relevant, diverse []*core.ScoredFragment
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverInto(&err)
		relevant, err = r.executor.FindSimilarVector(gctx, queryVec, cfg.K, filter)
		return err
	})
	g.Go(func() (err error) {
		defer recoverInto(&err)
		diverse, err = r.executor.FindDiverseVector(gctx, queryVec, cfg.K, cfg.FetchK, cfg.Lambda, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Merge(relevant, diverse, cfg.K), nil
}

func recoverInto(err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("%w: %v", errStrategyPanic, p)
	}
}

func (r *Retriever) fallback(ctx context.Context, t *tracker, query string, k int, filter *core.Filter, analysis QueryAnalysis, cause error, start time.Time) (results []*Result) {
	reason := "error"
	switch {
	case errors.Is(cause, errStrategyPanic):
		reason = "panic"
	case errors.Is(cause, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(cause, context.Canceled):
		reason = "canceled"
	}

	if t.state.canFail() {
		t.to(StateFailed, "reason", reason, "err", cause)
	}
	t.logger.Warn("retrieval strategy failed, falling back to relevance search",
		"strategy", analysis.Strategy, "reason", reason, "err", cause)
	r.metrics.recordFallback(analysis.Strategy, reason)
	t.to(StateFallbackRelevance)

	var fragments []*core.ScoredFragment
	func() {
		defer func() {
			if p := recover(); p != nil {
				t.logger.Error("fallback search panicked", "panic", p)
				fragments = nil
			}
		}()
		fragments = r.executor.Search(ctx, query, min(k, MaxK), filter)
	}()

	analysis.Strategy = StrategyRelevance
	analysis.Confidence = FallbackConfidence
	results = r.annotate(t, fragments, analysis, true)
	t.to(StateDone, "results", len(results))
	r.metrics.recordRetrieval(StrategyRelevance, time.Since(start).Seconds())
	return results
}

// annotate wraps fragments into results. Annotation problems are logged and
// never drop results.
func (r *Retriever) annotate(t *tracker, fragments []*core.ScoredFragment, analysis QueryAnalysis, fallback bool) []*Result {
	results := make([]*Result, 0, len(fragments))
	for _, sf := range fragments {
		if sf == nil || sf.Fragment == nil {
			continue
		}
		results = append(results, &Result{Fragment: sf.Fragment, Score: sf.Score})
	}

	annotation := Annotation{
		Strategy:    analysis.Strategy,
		Confidence:  analysis.Confidence,
		Complexity:  analysis.Complexity,
		Specificity: analysis.Specificity,
		Fallback:    fallback,
		RequestID:   t.requestID,
	}
	for _, res := range results {
		res.Annotation = annotation
		if r.annotator != nil {
			r.runAnnotator(t, res)
		}
	}

	if !fallback {
		t.to(StateAnnotated)
	}
	return results
}

func (r *Retriever) runAnnotator(t *tracker, res *Result) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Warn("annotator panicked", "fragment", res.Fragment.Id, "panic", p)
		}
	}()
	r.annotator(res)
}
