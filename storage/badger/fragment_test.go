package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) storage.FragmentRepository {
	t.Helper()
	repo, backend, err := NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
		backend.Close()
	})
	return repo
}

func newFragment(owner, content string, vector ...float32) *core.Fragment {
	return &core.Fragment{
		Content:     content,
		ContentHash: core.ContentHash(content),
		Vector:      vector,
		Metadata:    core.Metadata{OwnerID: owner},
		Status:      core.StatusActive,
	}
}

func TestUpsertFragments_AssignsIDs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := newFragment("acme", "alpha", 1, 0)
	b := newFragment("acme", "beta", 0, 1)
	result, err := repo.UpsertFragments(ctx, a, b)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Inserted)
	assert.Empty(t, result.Rejected)
	require.Len(t, result.IDs, 2)
	assert.NotZero(t, result.IDs[0])
	assert.NotEqual(t, result.IDs[0], result.IDs[1])
	assert.Equal(t, a.Id, result.IDs[0])
	assert.False(t, a.IngestedAt.IsZero())

	stored, err := repo.GetFragment(ctx, a.Id)
	require.NoError(t, err)
	assert.Equal(t, "alpha", stored.Content)
	assert.Equal(t, core.StatusActive, stored.Status)
	assert.Equal(t, []float32{1, 0}, stored.Vector)
}

func TestUpsertFragments_DeduplicatesPerOwner(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.UpsertFragments(ctx, newFragment("acme", "same text", 1, 0))
	require.NoError(t, err)
	require.Equal(t, 1, first.Inserted)

	// Same content again, within one batch and across batches
	second, err := repo.UpsertFragments(ctx,
		newFragment("acme", "same text", 1, 0),
		newFragment("acme", "same text", 1, 0),
		newFragment("globex", "same text", 1, 0),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Inserted)
	require.Len(t, second.Rejected, 2)
	for _, rej := range second.Rejected {
		assert.ErrorIs(t, rej.Err, storage.ErrDuplicateKey)
		assert.Equal(t, first.IDs[0], rej.ID)
	}
	assert.Equal(t, first.IDs[0], second.IDs[0])
	assert.Equal(t, first.IDs[0], second.IDs[1])

	count, err := repo.CountFragments(ctx, &core.Filter{OwnerID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertFragments_ExistingIDRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	f := newFragment("acme", "one", 1)
	_, err := repo.UpsertFragments(ctx, f)
	require.NoError(t, err)

	clash := newFragment("acme", "two", 1)
	clash.Id = f.Id
	result, err := repo.UpsertFragments(ctx, clash)
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	require.Len(t, result.Rejected, 1)
	assert.ErrorIs(t, result.Rejected[0].Err, storage.ErrDuplicateKey)
}

func TestUpsertFragments_SpansChunks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	fragments := make([]*core.Fragment, upsertChunkSize+10)
	for i := range fragments {
		fragments[i] = newFragment("acme", fmt.Sprintf("fragment %d", i), 1, float32(i))
	}
	result, err := repo.UpsertFragments(ctx, fragments...)
	require.NoError(t, err)
	assert.Equal(t, len(fragments), result.Inserted)

	count, err := repo.CountFragments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, len(fragments), count)
}

func TestUpsertFragments_DimensionFixedAcrossCalls(t *testing.T) {
	repo, backend, err := NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
		backend.Close()
	})
	ctx := context.Background()
	fragments := repo.(*FragmentRepository)
	assert.Zero(t, fragments.Dimension())

	first, err := repo.UpsertFragments(ctx, newFragment("acme", "three dims", 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, fragments.Dimension())

	result, err := repo.UpsertFragments(ctx,
		newFragment("acme", "also three", 0, 1, 0),
		newFragment("acme", "two dims", 1, 0),
	)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.Nil(t, result)

	count, err := repo.CountFragments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "nothing from the failed call is written")

	// Blank content carries no vector and is unaffected
	_, err = repo.UpsertFragments(ctx, newFragment("acme", ""))
	require.NoError(t, err)

	results, err := repo.VectorSearch(ctx, []float32{1, 0, 0}, 10, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, first.IDs[0], results[0].Fragment.Id)

	_, err = repo.VectorSearch(ctx, []float32{1, 0}, 10, 10, nil)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestNewFragmentRepository_Dimension(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := OpenBackend(dir, false)
	require.NoError(t, err)
	_, err = NewFragmentRepository(backend, WithDimension(0))
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)

	repo, err := NewFragmentRepository(backend, WithDimension(2))
	require.NoError(t, err)
	assert.Equal(t, 2, repo.Dimension())

	_, err = repo.UpsertFragments(ctx, newFragment("acme", "too long", 1, 0, 0))
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	_, err = repo.UpsertFragments(ctx, newFragment("acme", "fits", 1, 0))
	require.NoError(t, err)
	require.NoError(t, repo.Close())
	require.NoError(t, backend.Close())

	// The dimension survives a reopen
	backend, err = OpenBackend(dir, false)
	require.NoError(t, err)
	defer backend.Close()

	_, err = NewFragmentRepository(backend, WithDimension(3))
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	repo, err = NewFragmentRepository(backend)
	require.NoError(t, err)
	defer repo.Close()
	assert.Equal(t, 2, repo.Dimension())
	_, err = repo.UpsertFragments(ctx, newFragment("acme", "still too long", 1, 0, 0))
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestVectorSearch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	near := newFragment("acme", "near", 1, 0.1)
	far := newFragment("acme", "far", 0, 1)
	other := newFragment("globex", "other owner", 1, 0)
	blank := newFragment("acme", "")
	_, err := repo.UpsertFragments(ctx, near, far, other, blank)
	require.NoError(t, err)

	t.Run("ranks by cosine", func(t *testing.T) {
		results, err := repo.VectorSearch(ctx, []float32{1, 0}, 10, 10, &core.Filter{OwnerID: "acme"})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, near.Id, results[0].Fragment.Id)
		assert.Equal(t, far.Id, results[1].Fragment.Id)
		assert.Greater(t, results[0].Score, results[1].Score)
	})

	t.Run("limit", func(t *testing.T) {
		results, err := repo.VectorSearch(ctx, []float32{1, 0}, 10, 1, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	})

	t.Run("id filter", func(t *testing.T) {
		results, err := repo.VectorSearch(ctx, []float32{1, 0}, 10, 10, &core.Filter{IDs: []core.ID{far.Id}})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, far.Id, results[0].Fragment.Id)
	})

	t.Run("empty vector", func(t *testing.T) {
		_, err := repo.VectorSearch(ctx, nil, 10, 10, nil)
		assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := repo.VectorSearch(ctx, []float32{1, 0, 0}, 10, 10, nil)
		assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	})
}

func TestSoftDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	keep := newFragment("acme", "keep me", 1, 0)
	drop := newFragment("acme", "drop me", 1, 0.2)
	_, err := repo.UpsertFragments(ctx, keep, drop)
	require.NoError(t, err)

	deleted, err := repo.SoftDelete(ctx, &core.Filter{IDs: []core.ID{drop.Id}})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// Deleted fragments are invisible to search
	results, err := repo.VectorSearch(ctx, []float32{1, 0.2}, 10, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keep.Id, results[0].Fragment.Id)

	// The record remains, marked deleted
	stored, err := repo.GetFragment(ctx, drop.Id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDeleted, stored.Status)

	// Idempotent
	deleted, err = repo.SoftDelete(ctx, &core.Filter{IDs: []core.ID{drop.Id}})
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// The content can be ingested again as a new fragment
	again := newFragment("acme", "drop me", 1, 0.2)
	result, err := repo.UpsertFragments(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.NotEqual(t, drop.Id, again.Id)
}

func TestSoftDelete_ByMetadata(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := newFragment("acme", "a", 1)
	a.Metadata.DocumentID = "doc-1"
	b := newFragment("acme", "b", 1)
	b.Metadata.DocumentID = "doc-1"
	c := newFragment("acme", "c", 1)
	c.Metadata.DocumentID = "doc-2"
	_, err := repo.UpsertFragments(ctx, a, b, c)
	require.NoError(t, err)

	deleted, err := repo.SoftDelete(ctx, &core.Filter{OwnerID: "acme", DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	count, err := repo.CountFragments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetFragment_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetFragment(context.Background(), 12345)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	fragments, err := repo.GetFragments(context.Background(), 12345)
	require.NoError(t, err)
	assert.Empty(t, fragments)
}

func TestIncrementAccess(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	f := newFragment("acme", "popular", 1)
	_, err := repo.UpsertFragments(ctx, f)
	require.NoError(t, err)

	require.NoError(t, repo.IncrementAccess(ctx, f.Id, f.Id, 999))

	stored, err := repo.GetFragment(ctx, f.Id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stored.AccessCount)
}

func TestForEachFragment(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	var fragments []*core.Fragment
	for i := range 7 {
		fragments = append(fragments, newFragment("acme", fmt.Sprintf("item %d", i), float32(i+1)))
	}
	_, err := repo.UpsertFragments(ctx, fragments...)
	require.NoError(t, err)
	_, err = repo.SoftDelete(ctx, &core.Filter{IDs: []core.ID{fragments[3].Id}})
	require.NoError(t, err)

	var (
		batches int
		seen    []core.ID
	)
	err = repo.ForEachFragment(ctx, nil, 3, func(batch []*core.Fragment) error {
		batches++
		assert.LessOrEqual(t, len(batch), 3)
		for _, f := range batch {
			seen = append(seen, f.Id)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, batches)
	assert.Len(t, seen, 6)
	assert.NotContains(t, seen, fragments[3].Id)
	assert.IsIncreasing(t, seen)

	err = repo.ForEachFragment(ctx, nil, 0, func([]*core.Fragment) error { return nil })
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestUpdateVectors(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	f := newFragment("acme", "vector me", 1, 0)
	_, err := repo.UpsertFragments(ctx, f)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateVectors(ctx, map[core.ID][]float32{f.Id: {0, 1}}))
	stored, err := repo.GetFragment(ctx, f.Id)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, stored.Vector)

	err = repo.UpdateVectors(ctx, map[core.ID][]float32{f.Id + 100: {1, 1}})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = repo.UpdateVectors(ctx, map[core.ID][]float32{f.Id: {0, 0, 1}})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	stored, err = repo.GetFragment(ctx, f.Id)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, stored.Vector)
}
