package search

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/poiesic/recall/ai/mock"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
	"github.com/poiesic/recall/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRepository serves VectorSearch from a function and records the call.
type stubRepository struct {
	storage.FragmentRepository
	search        func(vector []float32, numCandidates, limit int) ([]*core.ScoredFragment, error)
	numCandidates int
	limit         int
}

func (r *stubRepository) VectorSearch(ctx context.Context, vector []float32, numCandidates, limit int, filter *core.Filter) ([]*core.ScoredFragment, error) {
	r.numCandidates = numCandidates
	r.limit = limit
	return r.search(vector, numCandidates, limit)
}

type recordingMonitor struct {
	noopMonitor
	stages []string
}

func (m *recordingMonitor) Start(string)                  { m.stages = append(m.stages, "start") }
func (m *recordingMonitor) AfterEmbedding(int)            { m.stages = append(m.stages, "embed") }
func (m *recordingMonitor) AfterVectorSearch([]core.ID)   { m.stages = append(m.stages, "search") }
func (m *recordingMonitor) AfterReembedding(int, int)     { m.stages = append(m.stages, "reembed") }
func (m *recordingMonitor) AfterRerank([]core.ID)         { m.stages = append(m.stages, "rerank") }
func (m *recordingMonitor) Finish([]*core.ScoredFragment) { m.stages = append(m.stages, "finish") }

func setupRepo(t *testing.T) storage.FragmentRepository {
	t.Helper()
	repo, backend, err := badger.NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
		backend.Close()
	})
	return repo
}

func store(t *testing.T, repo storage.FragmentRepository, owner string, contents ...string) []core.ID {
	t.Helper()
	fragments := make([]*core.Fragment, len(contents))
	for i, content := range contents {
		fragments[i] = &core.Fragment{
			Content:     content,
			ContentHash: core.ContentHash(content),
			Vector:      mock.BagOfWords(content, mock.DefaultDimension),
			Metadata:    core.Metadata{OwnerID: owner},
			Status:      core.StatusActive,
		}
	}
	result, err := repo.UpsertFragments(context.Background(), fragments...)
	require.NoError(t, err)
	return result.IDs
}

func TestNewSearcher(t *testing.T) {
	repo := setupRepo(t)
	provider := mock.NewMockProvider()

	t.Run("valid configuration", func(t *testing.T) {
		searcher, err := NewSearcher(repo, provider)
		require.NoError(t, err)
		assert.Equal(t, DefaultTimeout, searcher.timeout)
		assert.Equal(t, DefaultOverFetch, searcher.overFetch)
	})

	t.Run("with nil logger falls back to default", func(t *testing.T) {
		_, err := NewSearcher(repo, provider, WithLogger(nil))
		require.NoError(t, err)
	})

	t.Run("invalid options", func(t *testing.T) {
		_, err := NewSearcher(repo, provider, WithTimeout(0))
		assert.ErrorIs(t, err, ErrInvalidOption)
		_, err = NewSearcher(repo, provider, WithOverFetch(0))
		assert.ErrorIs(t, err, ErrInvalidOption)
	})

	t.Run("nil repository", func(t *testing.T) {
		_, err := NewSearcher(nil, provider)
		assert.Equal(t, ErrRepositoryRequired, err)
	})

	t.Run("nil provider", func(t *testing.T) {
		_, err := NewSearcher(repo, nil)
		assert.Equal(t, ErrAIProviderRequired, err)
	})
}

func TestFindSimilar_RoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ids := store(t, repo, "acme",
		"BadgerDB is an embeddable key value store",
		"PostgreSQL supports vector search through pgvector",
		"Bread needs flour water salt and yeast",
	)

	searcher, err := NewSearcher(repo, mock.NewMockProvider())
	require.NoError(t, err)

	results, err := searcher.FindSimilar(context.Background(), "PostgreSQL supports vector search through pgvector", 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, ids[1], results[0].Fragment.Id)
	assert.Greater(t, results[0].Score, float32(0.9))
	assert.LessOrEqual(t, len(results), 2)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestFindSimilar_EmptyQuery(t *testing.T) {
	repo := setupRepo(t)
	store(t, repo, "acme", "something")
	provider := mock.NewMockProvider()
	searcher, err := NewSearcher(repo, provider)
	require.NoError(t, err)

	for _, query := range []string{"", "   ", "\n\t"} {
		results, err := searcher.FindSimilar(context.Background(), query, 5, nil)
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Empty(t, searcher.Search(context.Background(), query, 5, nil))
	}
	assert.Zero(t, provider.(*mock.MockProvider).GetMockEmbedder().CallCount())
}

func TestFindSimilar_RespectsFilterAndDeletion(t *testing.T) {
	repo := setupRepo(t)
	acme := store(t, repo, "acme", "shared words here", "shared words there")
	store(t, repo, "globex", "shared words everywhere")

	searcher, err := NewSearcher(repo, mock.NewMockProvider())
	require.NoError(t, err)
	ctx := context.Background()

	results := searcher.Search(ctx, "shared words", 10, &core.Filter{OwnerID: "acme"})
	assert.Len(t, results, 2)

	_, err = repo.SoftDelete(ctx, &core.Filter{IDs: []core.ID{acme[0]}})
	require.NoError(t, err)

	results = searcher.Search(ctx, "shared words", 10, &core.Filter{OwnerID: "acme"})
	require.Len(t, results, 1)
	assert.Equal(t, acme[1], results[0].Fragment.Id)
}

func TestFindSimilar_OverFetch(t *testing.T) {
	stub := &stubRepository{search: func([]float32, int, int) ([]*core.ScoredFragment, error) {
		return nil, nil
	}}
	searcher, err := NewSearcher(stub, mock.NewMockProvider(), WithOverFetch(3))
	require.NoError(t, err)

	results, err := searcher.FindSimilar(context.Background(), "query", 4, nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Equal(t, 4, stub.limit)
	assert.Equal(t, 12, stub.numCandidates)
}

func TestFindSimilar_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("embedding failure", func(t *testing.T) {
		embedder := mock.NewMockEmbedder()
		failure := errors.New("provider down")
		embedder.EmbedTextFunc = func(context.Context, string) ([]float32, error) { return nil, failure }
		searcher, err := NewSearcher(setupRepo(t), mock.NewMockProviderWithEmbedder(embedder))
		require.NoError(t, err)

		_, err = searcher.FindSimilar(ctx, "query", 3, nil)
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
		assert.ErrorIs(t, err, failure)
		assert.Empty(t, searcher.Search(ctx, "query", 3, nil))
	})

	t.Run("store failure", func(t *testing.T) {
		failure := errors.New("connection reset")
		stub := &stubRepository{search: func([]float32, int, int) ([]*core.ScoredFragment, error) {
			return nil, failure
		}}
		searcher, err := NewSearcher(stub, mock.NewMockProvider())
		require.NoError(t, err)

		_, err = searcher.FindSimilar(ctx, "query", 3, nil)
		assert.ErrorIs(t, err, ErrStoreFailed)
		assert.Empty(t, searcher.Search(ctx, "query", 3, nil))
		assert.Empty(t, searcher.MMRSearch(ctx, "query", 3, 9, 0.5, nil))
	})

	t.Run("timeout", func(t *testing.T) {
		embedder := mock.NewMockEmbedder()
		embedder.EmbedTextFunc = func(ctx context.Context, _ string) ([]float32, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		searcher, err := NewSearcher(setupRepo(t), mock.NewMockProviderWithEmbedder(embedder),
			WithTimeout(20*time.Millisecond))
		require.NoError(t, err)

		_, err = searcher.FindSimilar(ctx, "query", 3, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Empty(t, searcher.Search(ctx, "query", 3, nil))
	})
}

func TestFindDiverse(t *testing.T) {
	repo := setupRepo(t)
	store(t, repo, "acme",
		"go channels and goroutines",
		"go channels and goroutines explained",
		"go channels goroutines and select",
		"garbage collection in the go runtime",
	)

	monitor := &recordingMonitor{}
	searcher, err := NewSearcher(repo, mock.NewMockProvider(), WithLogger(slog.Default()))
	require.NoError(t, err)

	results, err := searcher.FindDiverseWithMonitor(context.Background(), "go channels goroutines", 2, 10, 0.5, nil, monitor)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NotEqual(t, results[0].Fragment.Id, results[1].Fragment.Id)
	assert.Equal(t, []string{"start", "embed", "search", "reembed", "rerank", "finish"}, monitor.stages)
}

func TestFindDiverse_ClampsFetchK(t *testing.T) {
	stub := &stubRepository{search: func([]float32, int, int) ([]*core.ScoredFragment, error) {
		return nil, nil
	}}
	searcher, err := NewSearcher(stub, mock.NewMockProvider())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = searcher.FindDiverse(ctx, "query", 5, 10000, 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxFetchK, stub.limit)

	_, err = searcher.FindDiverse(ctx, "query", 5, 2, 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, stub.limit)
}

func TestFindDiverse_ReembedsMissingVectors(t *testing.T) {
	dim := mock.DefaultDimension
	stub := &stubRepository{search: func([]float32, int, int) ([]*core.ScoredFragment, error) {
		return []*core.ScoredFragment{
			{Fragment: &core.Fragment{Id: 1, Content: "alpha beta", Vector: mock.BagOfWords("alpha beta", dim)}, Score: 0.9},
			{Fragment: &core.Fragment{Id: 2, Content: "alpha gamma"}, Score: 0.8},
			{Fragment: &core.Fragment{Id: 3, Content: "  "}, Score: 0.7},
		}, nil
	}}
	embedder := mock.NewMockEmbedder()
	var reembedded []string
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		reembedded = texts
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.BagOfWords(text, dim)
		}
		return out, nil
	}
	searcher, err := NewSearcher(stub, mock.NewMockProviderWithEmbedder(embedder))
	require.NoError(t, err)

	results, err := searcher.FindDiverse(context.Background(), "alpha", 4, 4, 0.7, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha gamma"}, reembedded)
	assert.ElementsMatch(t, []core.ID{1, 2}, selectedIDs(results))

	t.Run("re-embedding failure drops candidates", func(t *testing.T) {
		embedder.EmbedTextsFunc = func(context.Context, []string) ([][]float32, error) {
			return nil, errors.New("down")
		}
		results, err := searcher.FindDiverse(context.Background(), "alpha", 4, 4, 0.7, nil)
		require.NoError(t, err)
		assert.Equal(t, []core.ID{1}, selectedIDs(results))
	})
}

func TestFindDiverse_DimensionMismatch(t *testing.T) {
	dim := mock.DefaultDimension
	candidates := []*core.ScoredFragment{
		{Fragment: &core.Fragment{Id: 1, Content: "alpha beta", Vector: mock.BagOfWords("alpha beta", dim)}, Score: 0.9},
		{Fragment: &core.Fragment{Id: 2, Content: "alpha short", Vector: []float32{1, 0, 0}}, Score: 0.8},
	}
	stub := &stubRepository{search: func([]float32, int, int) ([]*core.ScoredFragment, error) {
		return candidates, nil
	}}
	embedder := mock.NewMockEmbedder()
	searcher, err := NewSearcher(stub, mock.NewMockProviderWithEmbedder(embedder))
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("stored vector", func(t *testing.T) {
		results, err := searcher.FindDiverse(ctx, "alpha", 2, 2, 0.5, nil)
		assert.ErrorIs(t, err, core.ErrDimensionMismatch)
		assert.Nil(t, results)
		assert.Empty(t, searcher.MMRSearch(ctx, "alpha", 2, 2, 0.5, nil))
	})

	t.Run("re-embedded vector", func(t *testing.T) {
		candidates[1] = &core.ScoredFragment{Fragment: &core.Fragment{Id: 2, Content: "alpha gamma"}, Score: 0.8}
		embedder.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{0, 1}
			}
			return out, nil
		}
		_, err := searcher.FindDiverse(ctx, "alpha", 2, 2, 0.5, nil)
		assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	})
}

func TestSearchWithVector(t *testing.T) {
	repo := setupRepo(t)
	ids := store(t, repo, "acme",
		"go channels and goroutines",
		"garbage collection in the go runtime",
		"sourdough needs a lively starter",
	)
	embedder := mock.NewMockEmbedder()
	searcher, err := NewSearcher(repo, mock.NewMockProviderWithEmbedder(embedder))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = searcher.EmbedQuery(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Zero(t, embedder.CallCount())

	queryVec, err := searcher.EmbedQuery(ctx, "go channels and goroutines")
	require.NoError(t, err)
	require.Len(t, queryVec, mock.DefaultDimension)

	similar, err := searcher.FindSimilarVector(ctx, queryVec, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, similar)
	assert.Equal(t, ids[0], similar[0].Fragment.Id)

	diverse, err := searcher.FindDiverseVector(ctx, queryVec, 2, 3, 0.5, nil)
	require.NoError(t, err)
	assert.Len(t, diverse, 2)
	assert.Equal(t, 1, embedder.CallCount(), "searches reuse the vector")

	empty, err := searcher.FindSimilarVector(ctx, nil, 2, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	empty, err = searcher.FindDiverseVector(ctx, queryVec, 0, 3, 0.5, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = searcher.FindSimilarVector(ctx, []float32{1, 0}, 2, nil)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestSearch_RecordsAccess(t *testing.T) {
	repo := setupRepo(t)
	ids := store(t, repo, "acme", "count my reads")

	recorder, err := NewAccessRecorder(repo)
	require.NoError(t, err)
	searcher, err := NewSearcher(repo, mock.NewMockProvider(), WithAccessRecorder(recorder))
	require.NoError(t, err)

	results := searcher.Search(context.Background(), "count my reads", 1, nil)
	require.Len(t, results, 1)
	require.NoError(t, recorder.Close())

	assert.Eventually(t, func() bool {
		fragment, err := repo.GetFragment(context.Background(), ids[0])
		return err == nil && fragment.AccessCount == 1
	}, time.Second, 10*time.Millisecond)
}
