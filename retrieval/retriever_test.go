package retrieval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/recall/ai/mock"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/ingestion"
	"github.com/poiesic/recall/search"
	"github.com/poiesic/recall/storage/badger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor serves each search from a function and counts calls.
type fakeExecutor struct {
	similar func(ctx context.Context, k int) ([]*core.ScoredFragment, error)
	diverse func(ctx context.Context, k, fetchK int, lambda float64) ([]*core.ScoredFragment, error)
	search  func(k int) []*core.ScoredFragment

	similarCalls atomic.Int32
	diverseCalls atomic.Int32
	searchCalls  atomic.Int32
	embedCalls   atomic.Int32

	mu       sync.Mutex
	accessed []*core.ScoredFragment
	fetchK   int
	lambda   float64
}

func (f *fakeExecutor) FindSimilar(ctx context.Context, query string, k int, filter *core.Filter) ([]*core.ScoredFragment, error) {
	f.similarCalls.Add(1)
	if f.similar == nil {
		return nil, nil
	}
	return f.similar(ctx, k)
}

func (f *fakeExecutor) FindDiverse(ctx context.Context, query string, k, fetchK int, lambda float64, filter *core.Filter) ([]*core.ScoredFragment, error) {
	f.diverseCalls.Add(1)
	f.mu.Lock()
	f.fetchK, f.lambda = fetchK, lambda
	f.mu.Unlock()
	if f.diverse == nil {
		return nil, nil
	}
	return f.diverse(ctx, k, fetchK, lambda)
}

func (f *fakeExecutor) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	f.embedCalls.Add(1)
	return []float32{1, 0, 0}, nil
}

func (f *fakeExecutor) FindSimilarVector(ctx context.Context, queryVec []float32, k int, filter *core.Filter) ([]*core.ScoredFragment, error) {
	return f.FindSimilar(ctx, "", k, filter)
}

func (f *fakeExecutor) FindDiverseVector(ctx context.Context, queryVec []float32, k, fetchK int, lambda float64, filter *core.Filter) ([]*core.ScoredFragment, error) {
	return f.FindDiverse(ctx, "", k, fetchK, lambda, filter)
}

func (f *fakeExecutor) Search(ctx context.Context, query string, k int, filter *core.Filter) []*core.ScoredFragment {
	f.searchCalls.Add(1)
	if f.search == nil {
		return nil
	}
	return f.search(k)
}

func (f *fakeExecutor) RecordAccess(results []*core.ScoredFragment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessed = append(f.accessed, results...)
}

func fixed(results ...*core.ScoredFragment) func(context.Context, int) ([]*core.ScoredFragment, error) {
	return func(context.Context, int) ([]*core.ScoredFragment, error) { return results, nil }
}

type traceRecorder struct {
	requestID string
	states    []State
}

func (tr *traceRecorder) observe(requestID string, states []State) {
	tr.requestID = requestID
	tr.states = states
}

const (
	preciseQuery     = `How do I fix error "ECONNRESET" in pgx v5.8.0 when PostgreSQL restarts?`
	exploratoryQuery = "ideas for team offsite"
	neutralQuery     = "database indexing performance tuning tips"
)

func TestNewRetriever(t *testing.T) {
	_, err := NewRetriever(nil)
	assert.ErrorIs(t, err, ErrSearcherRequired)

	_, err = NewRetriever(&fakeExecutor{}, WithTimeout(0))
	assert.ErrorIs(t, err, ErrInvalidOption)

	r, err := NewRetriever(&fakeExecutor{}, WithLogger(nil), WithAnalyzer(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, r.timeout)
	assert.NotNil(t, r.analyzer)
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	exec := &fakeExecutor{}
	trace := &traceRecorder{}
	r, err := NewRetriever(exec, WithStateObserver(trace.observe))
	require.NoError(t, err)

	for _, query := range []string{"", "  \n"} {
		results := r.Retrieve(context.Background(), query, 5, nil)
		assert.NotNil(t, results)
		assert.Empty(t, results)
		assert.Equal(t, []State{StateIdle, StateDone}, trace.states)
	}

	assert.Empty(t, r.Retrieve(context.Background(), "fine query", 0, nil))
	assert.Zero(t, exec.similarCalls.Load()+exec.diverseCalls.Load()+exec.searchCalls.Load())
}

func TestRetrieve_Relevance(t *testing.T) {
	exec := &fakeExecutor{
		similar: fixed(
			scored(1, "pool restart", 0.9),
			scored(2, "pgx tuning", 0.5),
			scored(3, "unrelated", 0.1),
		),
	}
	trace := &traceRecorder{}
	r, err := NewRetriever(exec, WithStateObserver(trace.observe))
	require.NoError(t, err)

	results := r.Retrieve(context.Background(), preciseQuery, 5, nil)
	require.Len(t, results, 2, "the low scoring result is below the threshold")
	assert.Equal(t, core.ID(1), results[0].Fragment.Id)
	assert.Equal(t, core.ID(2), results[1].Fragment.Id)

	for _, res := range results {
		a := res.Annotation
		assert.Equal(t, StrategyRelevance, a.Strategy)
		assert.False(t, a.Fallback)
		assert.Equal(t, LevelHigh, a.Specificity)
		assert.Equal(t, trace.requestID, a.RequestID)
		assert.Greater(t, a.Confidence, FallbackConfidence)
	}
	assert.Equal(t, []State{StateIdle, StateAnalyzing, StateRelevanceOnly, StateAnnotated, StateDone}, trace.states)
	assert.Len(t, exec.accessed, 2)
	assert.Zero(t, exec.diverseCalls.Load())
}

func TestRetrieve_Diversity(t *testing.T) {
	exec := &fakeExecutor{
		diverse: func(_ context.Context, k, _ int, _ float64) ([]*core.ScoredFragment, error) {
			return []*core.ScoredFragment{scored(4, "karaoke", 0.4), scored(5, "hiking", 0.3)}, nil
		},
	}
	trace := &traceRecorder{}
	r, err := NewRetriever(exec, WithStateObserver(trace.observe))
	require.NoError(t, err)

	results := r.Retrieve(context.Background(), exploratoryQuery, 4, nil)
	require.Len(t, results, 2)
	assert.Equal(t, StrategyDiversity, results[0].Annotation.Strategy)
	assert.Equal(t, 20, exec.fetchK)
	assert.InDelta(t, 0.5, exec.lambda, 1e-9)
	assert.Equal(t, []State{StateIdle, StateAnalyzing, StateDiversityOnly, StateAnnotated, StateDone}, trace.states)
}

func TestRetrieve_Hybrid(t *testing.T) {
	exec := &fakeExecutor{
		similar: fixed(scored(1, "btree", 0.9), scored(2, "vacuum", 0.8)),
		diverse: func(context.Context, int, int, float64) ([]*core.ScoredFragment, error) {
			return []*core.ScoredFragment{scored(1, "btree", 0.6), scored(3, "partitioning", 0.5)}, nil
		},
	}
	trace := &traceRecorder{}
	r, err := NewRetriever(exec, WithStateObserver(trace.observe))
	require.NoError(t, err)

	results := r.Retrieve(context.Background(), neutralQuery, 3, nil)
	require.Len(t, results, 3)
	seen := map[core.ID]bool{}
	for _, res := range results {
		assert.False(t, seen[res.Fragment.Id])
		seen[res.Fragment.Id] = true
		assert.Equal(t, StrategyHybrid, res.Annotation.Strategy)
	}
	assert.Equal(t, int32(1), exec.similarCalls.Load())
	assert.Equal(t, int32(1), exec.diverseCalls.Load())
	assert.Equal(t, int32(1), exec.embedCalls.Load())
	assert.Contains(t, trace.states, StateHybrid)

	// Never more than k
	assert.Len(t, r.Retrieve(context.Background(), neutralQuery, 1, nil), 1)
}

func TestRetrieveWithStrategy(t *testing.T) {
	exec := &fakeExecutor{
		similar: fixed(scored(1, "a", 0.9)),
		diverse: func(context.Context, int, int, float64) ([]*core.ScoredFragment, error) {
			return []*core.ScoredFragment{scored(2, "b", 0.7)}, nil
		},
	}
	r, err := NewRetriever(exec)
	require.NoError(t, err)

	results := r.RetrieveWithStrategy(context.Background(), exploratoryQuery, 3, nil, StrategyRelevance)
	require.Len(t, results, 1)
	assert.Equal(t, StrategyRelevance, results[0].Annotation.Strategy)
	assert.Equal(t, 1.0, results[0].Annotation.Confidence)

	results = r.RetrieveWithStrategy(context.Background(), preciseQuery, 3, nil, StrategyDiversity)
	require.Len(t, results, 1)
	assert.Equal(t, StrategyDiversity, results[0].Annotation.Strategy)

	// Unknown overrides are ignored
	results = r.RetrieveWithStrategy(context.Background(), preciseQuery, 3, nil, Strategy(99))
	require.Len(t, results, 1)
	assert.Equal(t, StrategyRelevance, results[0].Annotation.Strategy)
}

func TestRetrieve_Fallback(t *testing.T) {
	fallbackResults := func(k int) []*core.ScoredFragment {
		return []*core.ScoredFragment{scored(9, "plain", 0.05)}
	}

	tests := []struct {
		name    string
		query   string
		exec    *fakeExecutor
		timeout time.Duration
		reason  string
		failed  bool
	}{
		{
			name:  "diversity error",
			query: exploratoryQuery,
			exec: &fakeExecutor{
				diverse: func(context.Context, int, int, float64) ([]*core.ScoredFragment, error) {
					return nil, errors.New("index unavailable")
				},
				search: fallbackResults,
			},
			reason: "error",
			failed: true,
		},
		{
			name:  "relevance panic",
			query: preciseQuery,
			exec: &fakeExecutor{
				similar: func(context.Context, int) ([]*core.ScoredFragment, error) { panic("boom") },
				search:  fallbackResults,
			},
			reason: "panic",
			failed: true,
		},
		{
			name:  "hybrid leg panic",
			query: neutralQuery,
			exec: &fakeExecutor{
				similar: fixed(scored(1, "a", 0.9)),
				diverse: func(context.Context, int, int, float64) ([]*core.ScoredFragment, error) { panic("boom") },
				search:  fallbackResults,
			},
			reason: "panic",
			failed: true,
		},
		{
			name:  "strategy timeout",
			query: exploratoryQuery,
			exec: &fakeExecutor{
				diverse: func(ctx context.Context, _, _ int, _ float64) ([]*core.ScoredFragment, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
				search: fallbackResults,
			},
			timeout: 20 * time.Millisecond,
			reason:  "timeout",
			failed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics, err := NewMetrics(prometheus.NewRegistry())
			require.NoError(t, err)
			trace := &traceRecorder{}
			opts := []Option{WithMetrics(metrics), WithStateObserver(trace.observe)}
			if tt.timeout > 0 {
				opts = append(opts, WithTimeout(tt.timeout))
			}
			r, err := NewRetriever(tt.exec, opts...)
			require.NoError(t, err)

			results := r.Retrieve(context.Background(), tt.query, 5, nil)
			require.Len(t, results, 1)
			res := results[0]
			assert.Equal(t, core.ID(9), res.Fragment.Id)
			assert.True(t, res.Annotation.Fallback)
			assert.Equal(t, StrategyRelevance, res.Annotation.Strategy)
			assert.Equal(t, FallbackConfidence, res.Annotation.Confidence)
			// No threshold on the fallback path
			assert.InDelta(t, 0.05, res.Score, 1e-6)

			assert.Equal(t, int32(1), tt.exec.searchCalls.Load())
			assert.Contains(t, trace.states, StateFailed)
			assert.Equal(t, []State{StateFallbackRelevance, StateDone}, trace.states[len(trace.states)-2:])
			assert.NotContains(t, trace.states, StateAnnotated)

			var total float64
			for _, s := range []Strategy{StrategyRelevance, StrategyDiversity, StrategyHybrid} {
				total += testutil.ToFloat64(metrics.Fallbacks.WithLabelValues(s.String(), tt.reason))
			}
			assert.Equal(t, 1.0, total)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Retrievals.WithLabelValues("relevance")))
		})
	}
}

func TestRetrieve_FallbackSearchPanics(t *testing.T) {
	exec := &fakeExecutor{
		similar: func(context.Context, int) ([]*core.ScoredFragment, error) { return nil, errors.New("down") },
		search:  func(int) []*core.ScoredFragment { panic("also down") },
	}
	r, err := NewRetriever(exec)
	require.NoError(t, err)

	results := r.Retrieve(context.Background(), preciseQuery, 5, nil)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRetrieve_CanceledContext(t *testing.T) {
	exec := &fakeExecutor{
		similar: func(ctx context.Context, _ int) ([]*core.ScoredFragment, error) { return nil, ctx.Err() },
		search:  func(int) []*core.ScoredFragment { return nil },
	}
	metrics, err := NewMetrics(nil)
	require.NoError(t, err)
	r, err := NewRetriever(exec, WithMetrics(metrics))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, r.Retrieve(ctx, preciseQuery, 5, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Fallbacks.WithLabelValues("relevance", "canceled")))
}

func TestRetrieve_Annotator(t *testing.T) {
	exec := &fakeExecutor{similar: fixed(scored(1, "a", 0.9), scored(2, "b", 0.8))}

	calls := 0
	r, err := NewRetriever(exec, WithAnnotator(func(res *Result) {
		calls++
		if res.Fragment.Id == 1 {
			panic("bad annotator")
		}
		res.Annotation.Confidence = 0.99
	}))
	require.NoError(t, err)

	results := r.Retrieve(context.Background(), preciseQuery, 5, nil)
	require.Len(t, results, 2)
	assert.Equal(t, 2, calls)
	assert.False(t, results[0].Annotation.Fallback)
	assert.Equal(t, 0.99, results[1].Annotation.Confidence)
}

func TestRetrieve_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err, "collectors cannot be registered twice")

	exec := &fakeExecutor{diverse: func(context.Context, int, int, float64) ([]*core.ScoredFragment, error) { return nil, nil }}
	r, err := NewRetriever(exec, WithMetrics(metrics))
	require.NoError(t, err)

	r.Retrieve(context.Background(), exploratoryQuery, 3, nil)
	r.Retrieve(context.Background(), exploratoryQuery, 3, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Retrievals.WithLabelValues("diversity")))
	assert.Equal(t, 0, testutil.CollectAndCount(metrics.Fallbacks))
}

func TestRetrieve_EndToEnd(t *testing.T) {
	ctx := context.Background()
	repo, backend, err := badger.NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
		backend.Close()
	})
	provider := mock.NewMockProvider()

	pipeline, err := ingestion.NewPipeline(repo, provider)
	require.NoError(t, err)
	contents := []string{
		"team offsite ideas: hiking trip in the mountains",
		"team offsite ideas: cooking class downtown",
		"team offsite ideas: hiking trip in the mountains again",
		"quarterly budget review for the finance team",
		"database indexing with btree and hash indexes",
	}
	inputs := make([]ingestion.Input, len(contents))
	for i, c := range contents {
		inputs[i] = ingestion.Input{Content: c, Metadata: core.Metadata{OwnerID: "acme"}}
	}
	ids, err := pipeline.Ingest(ctx, inputs)
	require.NoError(t, err)
	require.Len(t, ids, len(contents))

	searcher, err := search.NewSearcher(repo, provider)
	require.NoError(t, err)
	r, err := NewRetriever(searcher)
	require.NoError(t, err)

	for _, strategy := range []Strategy{StrategyAuto, StrategyRelevance, StrategyDiversity, StrategyHybrid} {
		t.Run(strategy.String(), func(t *testing.T) {
			results := r.RetrieveWithStrategy(ctx, "team offsite ideas", 3, &core.Filter{OwnerID: "acme"}, strategy)
			require.NotEmpty(t, results)
			assert.LessOrEqual(t, len(results), 3)
			for _, res := range results {
				assert.Equal(t, "acme", res.Fragment.Metadata.OwnerID)
				assert.NotEmpty(t, res.Annotation.RequestID)
				assert.False(t, res.Annotation.Fallback)
			}
		})
	}

	assert.Empty(t, r.Retrieve(ctx, "team offsite ideas", 3, &core.Filter{OwnerID: "someone-else"}))
}

func TestRetrieve_HybridEmbedsOnce(t *testing.T) {
	ctx := context.Background()
	repo, backend, err := badger.NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
		backend.Close()
	})
	embedder := mock.NewMockEmbedder()
	provider := mock.NewMockProviderWithEmbedder(embedder)

	pipeline, err := ingestion.NewPipeline(repo, provider)
	require.NoError(t, err)
	acme := core.Metadata{OwnerID: "acme"}
	_, err = pipeline.Ingest(ctx, []ingestion.Input{
		{Content: "database indexing with btree indexes", Metadata: acme},
		{Content: "performance tuning tips for vacuum", Metadata: acme},
		{Content: "partitioning splits large database tables", Metadata: acme},
	})
	require.NoError(t, err)

	searcher, err := search.NewSearcher(repo, provider)
	require.NoError(t, err)
	r, err := NewRetriever(searcher)
	require.NoError(t, err)

	embedder.Reset()
	results := r.RetrieveWithStrategy(ctx, neutralQuery, 3, nil, StrategyHybrid)
	require.NotEmpty(t, results)
	assert.False(t, results[0].Annotation.Fallback)
	assert.Equal(t, StrategyHybrid, results[0].Annotation.Strategy)
	assert.Equal(t, 1, embedder.CallCount())
}
