package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
)

// upsertChunkSize bounds the number of fragments written per transaction.
const upsertChunkSize = 256

// FragmentRepository implements storage.FragmentRepository for BadgerDB.
// Vector search is an exact scan over every active fragment.
//
// The store holds vectors of a single dimension. It is fixed by
// WithDimension or by the first vector written, and persisted alongside the
// fragments. Writes and searches of any other length fail with
// core.ErrDimensionMismatch.
type FragmentRepository struct {
	backend   *Backend
	idSeq     *badger.Sequence
	dimension atomic.Int64
	logger    *slog.Logger
}

var _ storage.FragmentRepository = (*FragmentRepository)(nil)

// RepositoryOption configures a FragmentRepository.
type RepositoryOption func(*FragmentRepository) error

// WithDimension fixes the vector dimension up front. Opening a store that
// already recorded another dimension fails.
func WithDimension(dimension int) RepositoryOption {
	return func(r *FragmentRepository) error {
		if dimension <= 0 {
			return fmt.Errorf("%w: dimension must be positive, got %d", storage.ErrInvalidQuery, dimension)
		}
		r.dimension.Store(int64(dimension))
		return nil
	}
}

// NewFragmentRepository creates a new FragmentRepository.
func NewFragmentRepository(backend *Backend, opts ...RepositoryOption) (*FragmentRepository, error) {
	r := &FragmentRepository{
		backend: backend,
		logger:  backend.logger.With("component", "fragment-repository"),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if err := r.loadDimension(); err != nil {
		return nil, err
	}

	idSeq, err := backend.GetSequence(fragmentIDSeq)
	if err != nil {
		return nil, err
	}
	r.idSeq = idSeq

	return r, nil
}

// Dimension returns the vector dimension of the store, 0 while no vector
// has been written.
func (r *FragmentRepository) Dimension() int {
	return int(r.dimension.Load())
}

// loadDimension reconciles the requested dimension with the stored one.
func (r *FragmentRepository) loadDimension() error {
	want := r.Dimension()
	var dim int
	err := r.backend.Update(func(tx *badger.Txn) error {
		stored, err := readDimension(tx)
		if err != nil {
			return err
		}
		dim = stored
		switch {
		case want == 0:
			return nil
		case stored == 0:
			dim = want
			return writeDimension(tx, want)
		case stored != want:
			return fmt.Errorf("%w: store holds %d-dimensional vectors, %d requested",
				core.ErrDimensionMismatch, stored, want)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.dimension.Store(int64(dim))
	return nil
}

// fixDimension checks vectors against the dimension stored in tx, recording
// it from the vectors when none is stored yet. It returns the dimension in
// force afterwards.
func (r *FragmentRepository) fixDimension(tx *badger.Txn, vectors [][]float32) (int, error) {
	stored, err := readDimension(tx)
	if err != nil {
		return 0, err
	}
	dim, err := commonDimension(stored, vectors)
	if err != nil {
		return 0, err
	}
	if stored == 0 && dim > 0 {
		if err := writeDimension(tx, dim); err != nil {
			return 0, err
		}
	}
	return dim, nil
}

// commonDimension returns the length every non-empty vector shares, starting
// from dim when it is already known. 0 means no vector was seen.
func commonDimension(dim int, vectors [][]float32) (int, error) {
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(v)
			continue
		}
		if len(v) != dim {
			return 0, fmt.Errorf("%w: got %d-dimensional vector, store holds %d",
				core.ErrDimensionMismatch, len(v), dim)
		}
	}
	return dim, nil
}

func readDimension(tx *badger.Txn) (int, error) {
	item, err := tx.Get([]byte(dimensionKey))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var dim int
	err = item.Value(func(val []byte) error {
		if len(val) != 4 {
			return fmt.Errorf("corrupt dimension record of %d bytes", len(val))
		}
		dim = int(binary.BigEndian.Uint32(val))
		return nil
	})
	return dim, err
}

func writeDimension(tx *badger.Txn, dim int) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(dim))
	return tx.Set([]byte(dimensionKey), buf)
}

func fragmentVectors(fragments []*core.Fragment) [][]float32 {
	vectors := make([][]float32, 0, len(fragments))
	for _, f := range fragments {
		if f != nil {
			vectors = append(vectors, f.Vector)
		}
	}
	return vectors
}

// Close releases the ID sequence.
func (r *FragmentRepository) Close() error {
	return r.idSeq.Release()
}

type pendingWrite struct {
	index  int
	record core.Fragment
}

// UpsertFragments stores fragments in chunks, one transaction per chunk.
// A vector whose length differs from the store's dimension fails the call
// with core.ErrDimensionMismatch before anything is written.
func (r *FragmentRepository) UpsertFragments(ctx context.Context, fragments ...*core.Fragment) (*storage.UpsertResult, error) {
	if _, err := commonDimension(r.Dimension(), fragmentVectors(fragments)); err != nil {
		r.logger.Error("refusing fragments with mismatched vectors", "count", len(fragments), "err", err)
		return nil, err
	}
	result := &storage.UpsertResult{IDs: make([]core.ID, len(fragments))}

	for start := 0; start < len(fragments); start += upsertChunkSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := min(start+upsertChunkSize, len(fragments))

		var (
			written  []pendingWrite
			rejected []storage.Rejection
			dim      int
		)
		err := r.backend.Update(func(tx *badger.Txn) error {
			// Reset state in case of a conflict retry
			written = written[:0]
			rejected = rejected[:0]
			now := time.Now().UTC()

			var err error
			if dim, err = r.fixDimension(tx, fragmentVectors(fragments[start:end])); err != nil {
				return err
			}

			for i := start; i < end; i++ {
				fragment := fragments[i]
				if fragment == nil {
					rejected = append(rejected, storage.Rejection{
						Index: i,
						Err:   fmt.Errorf("%w: fragment is nil", storage.ErrInvalidQuery),
					})
					continue
				}

				existing, err := r.findDuplicate(tx, fragment)
				if err != nil {
					return err
				}
				if existing != 0 {
					rejected = append(rejected, storage.Rejection{
						Index: i,
						ID:    existing,
						Err:   fmt.Errorf("%w: content already active for owner %q as %d", storage.ErrDuplicateKey, fragment.Metadata.OwnerID, existing),
					})
					continue
				}

				record := *fragment
				if record.Id == 0 {
					if record.Id, err = r.nextID(); err != nil {
						return err
					}
				}
				if record.IngestedAt.IsZero() {
					record.IngestedAt = now
				}
				record.UpdatedAt = now
				if record.Status == 0 {
					record.Status = core.StatusActive
				}

				if err := r.writeFragment(tx, &record); err != nil {
					return err
				}
				written = append(written, pendingWrite{index: i, record: record})
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		if dim > 0 {
			r.dimension.Store(int64(dim))
		}

		// Publish assigned ids only once the chunk is committed
		for _, w := range written {
			fragments[w.index].Id = w.record.Id
			fragments[w.index].Status = w.record.Status
			fragments[w.index].IngestedAt = w.record.IngestedAt
			fragments[w.index].UpdatedAt = w.record.UpdatedAt
			result.IDs[w.index] = w.record.Id
		}
		for _, rej := range rejected {
			result.IDs[rej.Index] = rej.ID
		}
		result.Inserted += len(written)
		result.Rejected = append(result.Rejected, rejected...)
	}

	return result, nil
}

// findDuplicate returns the id already holding the fragment's owner+hash slot,
// or the fragment's own id when that key is taken. 0 means no conflict.
func (r *FragmentRepository) findDuplicate(tx *badger.Txn, fragment *core.Fragment) (core.ID, error) {
	if fragment.Status != core.StatusDeleted {
		existing, err := r.readHashIndex(tx, fragment.Metadata.OwnerID, fragment.ContentHash)
		if err != nil || existing != 0 {
			return existing, err
		}
	}

	if fragment.Id != 0 {
		_, err := tx.Get(makeFragmentKey(fragment.Id))
		if err == nil {
			return fragment.Id, nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return 0, err
		}
	}
	return 0, nil
}

// nextID draws the next id from the sequence, skipping 0.
func (r *FragmentRepository) nextID() (core.ID, error) {
	nextID, err := r.idSeq.Next()
	if err != nil {
		return 0, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if nextID == 0 {
		if nextID, err = r.idSeq.Next(); err != nil {
			return 0, err
		}
	}
	return core.ID(nextID), nil
}

// VectorSearch scans active fragments and ranks them by cosine similarity.
// The scan is exact, so numCandidates only caps the pool before limit applies.
func (r *FragmentRepository) VectorSearch(ctx context.Context, vector []float32, numCandidates, limit int, filter *core.Filter) ([]*core.ScoredFragment, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", storage.ErrInvalidQuery)
	}
	if dim := r.Dimension(); dim > 0 && len(vector) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, store holds %d",
			core.ErrDimensionMismatch, len(vector), dim)
	}
	if limit <= 0 {
		return []*core.ScoredFragment{}, nil
	}
	if numCandidates < limit {
		numCandidates = limit
	}

	var results []*core.ScoredFragment
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		return r.scan(ctx, tx, filter, func(fragment *core.Fragment) error {
			if !fragment.IsSearchable() {
				return nil
			}
			if len(fragment.Vector) != len(vector) {
				return fmt.Errorf("%w: fragment %d has %d dimensions, query has %d",
					core.ErrDimensionMismatch, fragment.Id, len(fragment.Vector), len(vector))
			}
			results = append(results, &core.ScoredFragment{
				Fragment: fragment,
				Score:    core.CosineSimilarity(vector, fragment.Vector),
			})
			return nil
		})
	}, false)
	if err != nil {
		return nil, err
	}

	// Scan order is id order, so the stable sort breaks ties by id
	slices.SortStableFunc(results, func(a, b *core.ScoredFragment) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})

	if len(results) > numCandidates {
		results = results[:numCandidates]
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SoftDelete marks matching active fragments deleted and frees their
// owner+hash slot so the same content can be ingested again later.
func (r *FragmentRepository) SoftDelete(ctx context.Context, filter *core.Filter) (int, error) {
	var ids []core.ID
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		return r.scan(ctx, tx, filter, func(fragment *core.Fragment) error {
			if fragment.Status == core.StatusActive {
				ids = append(ids, fragment.Id)
			}
			return nil
		})
	}, false)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(ids); start += upsertChunkSize {
		end := min(start+upsertChunkSize, len(ids))
		var count int
		err := r.backend.Update(func(tx *badger.Txn) error {
			count = 0
			now := time.Now().UTC()
			for _, id := range ids[start:end] {
				fragment, err := r.readFragment(tx, makeFragmentKey(id))
				if err != nil {
					return err
				}
				// Re-check under the write transaction; a concurrent delete is a no-op
				if fragment == nil || fragment.Status != core.StatusActive {
					continue
				}
				if err := r.clearHashIndex(tx, fragment); err != nil {
					return err
				}
				fragment.Status = core.StatusDeleted
				fragment.UpdatedAt = now
				if err := tx.Set(makeFragmentKey(fragment.Id), storage.MarshalFragment(fragment)); err != nil {
					return err
				}
				count++
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += count
	}

	r.logger.Debug("soft deleted fragments", "matched", len(ids), "deleted", deleted)
	return deleted, nil
}

// GetFragment retrieves a single fragment by ID.
func (r *FragmentRepository) GetFragment(ctx context.Context, id core.ID) (*core.Fragment, error) {
	var result *core.Fragment
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		result, err = r.readFragment(tx, makeFragmentKey(id))
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return result, err
}

// GetFragments retrieves multiple fragments by their IDs.
func (r *FragmentRepository) GetFragments(ctx context.Context, ids ...core.ID) ([]*core.Fragment, error) {
	var result []*core.Fragment
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range ids {
			fragment, err := r.readFragment(tx, makeFragmentKey(id))
			if err != nil {
				return err
			}
			if fragment != nil {
				result = append(result, fragment)
			}
		}
		return nil
	}, false)
	return result, err
}

// IncrementAccess bumps access counters. Conflicting writers are retried by
// the backend; a lost increment is acceptable.
func (r *FragmentRepository) IncrementAccess(ctx context.Context, ids ...core.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.backend.Update(func(tx *badger.Txn) error {
		for _, id := range ids {
			key := makeFragmentKey(id)
			fragment, err := r.readFragment(tx, key)
			if err != nil {
				return err
			}
			if fragment == nil {
				continue
			}
			fragment.AccessCount++
			if err := tx.Set(key, storage.MarshalFragment(fragment)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEachFragment pages through active fragments in id order. Each page is
// read in its own transaction so fn may write to the repository.
func (r *FragmentRepository) ForEachFragment(ctx context.Context, filter *core.Filter, batchSize int, fn func([]*core.Fragment) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", storage.ErrInvalidQuery)
	}

	seek := []byte(fragmentPrefix)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := make([]*core.Fragment, 0, batchSize)
		var lastID core.ID
		exhausted := true
		err := r.backend.WithTx(func(tx *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(fragmentPrefix)
			iter := tx.NewIterator(opts)
			defer iter.Close()

			for iter.Seek(seek); iter.Valid(); iter.Next() {
				item := iter.Item()
				lastID = fragmentIDFromKey(item.Key())
				fragment, err := decodeItem(item)
				if err != nil {
					return err
				}
				if fragment.Status == core.StatusActive && filter.Matches(fragment) {
					batch = append(batch, fragment)
					if len(batch) == batchSize {
						exhausted = false
						return nil
					}
				}
			}
			return nil
		}, false)
		if err != nil {
			return err
		}

		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if exhausted || lastID == math.MaxUint64 {
			return nil
		}
		seek = makeFragmentKey(lastID + 1)
	}
}

// CountFragments counts active fragments matching filter.
func (r *FragmentRepository) CountFragments(ctx context.Context, filter *core.Filter) (int, error) {
	count := 0
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		return r.scan(ctx, tx, filter, func(fragment *core.Fragment) error {
			if fragment.Status == core.StatusActive {
				count++
			}
			return nil
		})
	}, false)
	return count, err
}

// UpdateVectors replaces embeddings, one transaction per chunk of ids.
// Vectors must match the store's dimension.
func (r *FragmentRepository) UpdateVectors(ctx context.Context, vectors map[core.ID][]float32) error {
	ids := make([]core.ID, 0, len(vectors))
	all := make([][]float32, 0, len(vectors))
	for id, v := range vectors {
		ids = append(ids, id)
		all = append(all, v)
	}
	slices.Sort(ids)
	if _, err := commonDimension(r.Dimension(), all); err != nil {
		return err
	}

	for start := 0; start < len(ids); start += upsertChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+upsertChunkSize, len(ids))
		var dim int
		err := r.backend.Update(func(tx *badger.Txn) error {
			chunk := make([][]float32, 0, end-start)
			for _, id := range ids[start:end] {
				chunk = append(chunk, vectors[id])
			}
			var err error
			if dim, err = r.fixDimension(tx, chunk); err != nil {
				return err
			}

			now := time.Now().UTC()
			for _, id := range ids[start:end] {
				key := makeFragmentKey(id)
				fragment, err := r.readFragment(tx, key)
				if err != nil {
					return err
				}
				if fragment == nil {
					return fmt.Errorf("%w: fragment %d", storage.ErrNotFound, id)
				}
				fragment.Vector = vectors[id]
				fragment.UpdatedAt = now
				if err := tx.Set(key, storage.MarshalFragment(fragment)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if dim > 0 {
			r.dimension.Store(int64(dim))
		}
	}
	return nil
}

// Helper methods

// scan calls fn for each fragment matching filter, regardless of status.
// Filters naming ids use point lookups instead of a full prefix scan.
func (r *FragmentRepository) scan(ctx context.Context, tx *badger.Txn, filter *core.Filter, fn func(*core.Fragment) error) error {
	if filter != nil && len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			fragment, err := r.readFragment(tx, makeFragmentKey(id))
			if err != nil {
				return err
			}
			if fragment == nil || !filter.Matches(fragment) {
				continue
			}
			if err := fn(fragment); err != nil {
				return err
			}
		}
		return nil
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(fragmentPrefix)
	iter := tx.NewIterator(opts)
	defer iter.Close()

	scanned := 0
	for iter.Rewind(); iter.Valid(); iter.Next() {
		scanned++
		if scanned%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		fragment, err := decodeItem(iter.Item())
		if err != nil {
			return err
		}
		if !filter.Matches(fragment) {
			continue
		}
		if err := fn(fragment); err != nil {
			return err
		}
	}
	return nil
}

// readFragment reads a fragment from the transaction.
func (r *FragmentRepository) readFragment(tx *badger.Txn, key []byte) (*core.Fragment, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeItem(item)
}

func decodeItem(item *badger.Item) (*core.Fragment, error) {
	var fragment *core.Fragment
	err := item.Value(func(val []byte) error {
		var err error
		fragment, err = storage.UnmarshalFragment(val)
		return err
	})
	return fragment, err
}

// writeFragment stores the record and, for active fragments, claims the
// owner+hash slot.
func (r *FragmentRepository) writeFragment(tx *badger.Txn, fragment *core.Fragment) error {
	if err := tx.Set(makeFragmentKey(fragment.Id), storage.MarshalFragment(fragment)); err != nil {
		return err
	}
	if fragment.Status != core.StatusActive {
		return nil
	}
	hashKey := makeHashKey(fragment.Metadata.OwnerID, fragment.ContentHash)
	return tx.Set(hashKey, storage.MarshalID(fragment.Id))
}

func (r *FragmentRepository) readHashIndex(tx *badger.Txn, ownerID, contentHash string) (core.ID, error) {
	item, err := tx.Get(makeHashKey(ownerID, contentHash))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var id core.ID
	err = item.Value(func(val []byte) error {
		var err error
		id, err = storage.UnmarshalID(val)
		return err
	})
	return id, err
}

// clearHashIndex releases the owner+hash slot if it belongs to fragment.
func (r *FragmentRepository) clearHashIndex(tx *badger.Txn, fragment *core.Fragment) error {
	hashKey := makeHashKey(fragment.Metadata.OwnerID, fragment.ContentHash)
	owner, err := r.readHashIndex(tx, fragment.Metadata.OwnerID, fragment.ContentHash)
	if err != nil {
		return err
	}
	if owner != fragment.Id {
		return nil
	}
	return tx.Delete(bytes.Clone(hashKey))
}
