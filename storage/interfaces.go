package storage

import (
	"context"

	"github.com/poiesic/recall/core"
)

// Rejection describes a record the store refused during an unordered upsert.
type Rejection struct {
	// Index is the position of the record in the upsert call.
	Index int
	// ID is the identifier the caller should use for the record: the already
	// active fragment for content duplicates, or the supplied id for key collisions.
	ID  core.ID
	Err error
}

// UpsertResult reports per-record outcomes of UpsertFragments.
type UpsertResult struct {
	// IDs holds one identifier per input record, in input order.
	IDs      []core.ID
	Inserted int
	Rejected []Rejection
}

// FragmentRepository is the capability interface the retrieval core needs
// from a document store. Implementations must be thread-safe and support
// concurrent access.
type FragmentRepository interface {
	// UpsertFragments stores fragments with unordered, partial-failure-tolerant
	// semantics. Records with Id=0 get an id from the store. A record whose
	// (OwnerID, ContentHash) matches an active fragment is rejected with
	// ErrDuplicateKey and reported with the existing id; the rest of the batch
	// still commits. An error is returned for store-level failures and for a
	// vector whose length differs from the collection's dimension
	// (core.ErrDimensionMismatch), in which case nothing is written.
	UpsertFragments(ctx context.Context, fragments ...*core.Fragment) (*UpsertResult, error)

	// VectorSearch returns up to limit active fragments matching filter, ordered
	// by cosine similarity to vector (highest first). numCandidates bounds the
	// approximate candidate pool for stores with ANN indexes.
	// A query of the wrong dimension returns core.ErrDimensionMismatch.
	VectorSearch(ctx context.Context, vector []float32, numCandidates, limit int, filter *core.Filter) ([]*core.ScoredFragment, error)

	// SoftDelete marks active fragments matching filter as deleted and returns
	// how many changed. Already deleted fragments are left untouched.
	SoftDelete(ctx context.Context, filter *core.Filter) (int, error)

	// GetFragment retrieves a single fragment by ID regardless of status.
	// Returns ErrNotFound if the fragment doesn't exist.
	GetFragment(ctx context.Context, id core.ID) (*core.Fragment, error)

	// GetFragments retrieves fragments by ID regardless of status.
	// Returns only the fragments that exist (no error for missing ones).
	GetFragments(ctx context.Context, ids ...core.ID) ([]*core.Fragment, error)

	// IncrementAccess bumps the access counter of each fragment by one.
	// Missing ids are ignored.
	IncrementAccess(ctx context.Context, ids ...core.ID) error

	// ForEachFragment calls fn with batches of active fragments matching filter,
	// in ascending id order. Iteration stops at the first error from fn.
	ForEachFragment(ctx context.Context, filter *core.Filter, batchSize int, fn func([]*core.Fragment) error) error

	// CountFragments counts active fragments matching filter.
	CountFragments(ctx context.Context, filter *core.Filter) (int, error)

	// UpdateVectors replaces the embeddings of the given fragments.
	// Returns ErrNotFound if any fragment doesn't exist and
	// core.ErrDimensionMismatch for vectors of the wrong dimension.
	UpdateVectors(ctx context.Context, vectors map[core.ID][]float32) error

	// Close releases resources held by the repository.
	Close() error
}
