package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
)

const (
	upsertChunkSize = 256
	// pgvector caps hnsw.ef_search at 1000
	maxEfSearch = 1000
)

// FragmentRepository implements storage.FragmentRepository on PostgreSQL.
type FragmentRepository struct {
	db        DB
	dimension int
	logger    *slog.Logger
}

var _ storage.FragmentRepository = (*FragmentRepository)(nil)

// Option configures a FragmentRepository.
type Option func(*FragmentRepository) error

// WithDimension checks vectors against the embedding column size before
// they reach the server.
func WithDimension(dimension int) Option {
	return func(r *FragmentRepository) error {
		if dimension <= 0 {
			return ErrInvalidDimension
		}
		r.dimension = dimension
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *FragmentRepository) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// NewFragmentRepository creates a repository on db. The schema must exist,
// see Migrate. Close closes db.
func NewFragmentRepository(db DB, opts ...Option) (*FragmentRepository, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	r := &FragmentRepository{db: db, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "postgres-fragment-repository")
	return r, nil
}

func (r *FragmentRepository) checkDimension(v []float32) error {
	if r.dimension > 0 && len(v) > 0 && len(v) != r.dimension {
		return fmt.Errorf("%w: got %d dimensions, store has %d", core.ErrDimensionMismatch, len(v), r.dimension)
	}
	return nil
}

const insertFragmentSQL = `INSERT INTO fragments (id, content, content_hash, embedding, owner_id, project_id,
	document_id, chunk_id, chunk_index, total_chunks, source, tags, custom, status, ingested_at, updated_at)
VALUES (COALESCE(NULLIF($1, 0), nextval('fragments_id_seq')), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT DO NOTHING
RETURNING id`

const activeHashSQL = `SELECT id FROM fragments WHERE owner_id = $1 AND content_hash = $2 AND status = 1`

// UpsertFragments inserts fragments in transactions of upsertChunkSize. A
// conflicting insert is skipped by the server and reported as a rejection.
// A vector of the wrong dimension fails the call before anything is sent.
func (r *FragmentRepository) UpsertFragments(ctx context.Context, fragments ...*core.Fragment) (*storage.UpsertResult, error) {
	for i, fragment := range fragments {
		if fragment == nil {
			continue
		}
		if err := r.checkDimension(fragment.Vector); err != nil {
			r.logger.Error("refusing fragments with mismatched vectors", "index", i, "err", err)
			return nil, fmt.Errorf("fragment %d: %w", i, err)
		}
	}
	result := &storage.UpsertResult{IDs: make([]core.ID, len(fragments))}

	type pendingWrite struct {
		index      int
		id         core.ID
		status     core.Status
		ingestedAt time.Time
	}

	for start := 0; start < len(fragments); start += upsertChunkSize {
		end := min(start+upsertChunkSize, len(fragments))

		var (
			written  []pendingWrite
			rejected []storage.Rejection
			now      = time.Now().UTC()
		)
		err := inTx(ctx, r.db, func(tx pgx.Tx) error {
			for i := start; i < end; i++ {
				fragment := fragments[i]
				if fragment == nil {
					rejected = append(rejected, storage.Rejection{
						Index: i,
						Err:   fmt.Errorf("%w: fragment is nil", storage.ErrInvalidQuery),
					})
					continue
				}

				status := fragment.Status
				if status == 0 {
					status = core.StatusActive
				}
				ingestedAt := fragment.IngestedAt
				if ingestedAt.IsZero() {
					ingestedAt = now
				}
				tags := fragment.Metadata.Tags
				if tags == nil {
					tags = []string{}
				}
				custom := fragment.Metadata.Custom
				if custom == nil {
					custom = map[string]string{}
				}

				var id int64
				err := tx.QueryRow(ctx, insertFragmentSQL,
					int64(fragment.Id), fragment.Content, fragment.ContentHash, vectorArg(fragment.Vector),
					fragment.Metadata.OwnerID, fragment.Metadata.ProjectID, fragment.Metadata.DocumentID,
					fragment.Metadata.ChunkID, int32(fragment.Metadata.ChunkIndex), int32(fragment.Metadata.TotalChunks),
					fragment.Metadata.Source, tags, custom, int16(status), ingestedAt, now,
				).Scan(&id)
				switch {
				case err == nil:
					written = append(written, pendingWrite{index: i, id: core.ID(id), status: status, ingestedAt: ingestedAt})
				case errors.Is(err, pgx.ErrNoRows):
					rejection, err := r.conflict(ctx, tx, i, fragment)
					if err != nil {
						return err
					}
					rejected = append(rejected, rejection)
				default:
					return fmt.Errorf("failed to insert fragment %d: %w", i, err)
				}
			}
			return nil
		})
		if err != nil {
			return result, err
		}

		for _, w := range written {
			fragments[w.index].Id = w.id
			fragments[w.index].Status = w.status
			fragments[w.index].IngestedAt = w.ingestedAt
			fragments[w.index].UpdatedAt = now
			result.IDs[w.index] = w.id
		}
		for _, rej := range rejected {
			result.IDs[rej.Index] = rej.ID
		}
		result.Inserted += len(written)
		result.Rejected = append(result.Rejected, rejected...)
	}

	r.logger.Debug("upserted fragments", "inserted", result.Inserted, "rejected", len(result.Rejected))
	return result, nil
}

// conflict explains a skipped insert: either the content is already active
// for the owner, or the supplied id is taken.
func (r *FragmentRepository) conflict(ctx context.Context, tx pgx.Tx, index int, fragment *core.Fragment) (storage.Rejection, error) {
	var existing int64
	err := tx.QueryRow(ctx, activeHashSQL, fragment.Metadata.OwnerID, fragment.ContentHash).Scan(&existing)
	switch {
	case err == nil && fragment.Status != core.StatusDeleted:
		return storage.Rejection{
			Index: index,
			ID:    core.ID(existing),
			Err:   fmt.Errorf("%w: content already active for owner %q as %d", storage.ErrDuplicateKey, fragment.Metadata.OwnerID, existing),
		}, nil
	case err == nil, errors.Is(err, pgx.ErrNoRows):
		return storage.Rejection{
			Index: index,
			ID:    fragment.Id,
			Err:   fmt.Errorf("%w: id %d already exists", storage.ErrDuplicateKey, fragment.Id),
		}, nil
	default:
		return storage.Rejection{}, fmt.Errorf("failed to resolve conflict for fragment %d: %w", index, err)
	}
}

// VectorSearch ranks active fragments by cosine similarity using the HNSW
// index. numCandidates sets hnsw.ef_search for the query.
func (r *FragmentRepository) VectorSearch(ctx context.Context, vector []float32, numCandidates, limit int, filter *core.Filter) ([]*core.ScoredFragment, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", storage.ErrInvalidQuery)
	}
	if err := r.checkDimension(vector); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*core.ScoredFragment{}, nil
	}
	efSearch := min(max(numCandidates, limit), maxEfSearch)

	args := []any{vectorArg(vector)}
	where, args := activeWhere(filter, args)
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1) AS score
FROM fragments
%s AND embedding IS NOT NULL
ORDER BY embedding <=> $1
LIMIT $%d`, fragmentColumns, where, len(args))

	var results []*core.ScoredFragment
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		// SET does not take bind parameters; efSearch is an int
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)); err != nil {
			return fmt.Errorf("failed to set ef_search: %w", err)
		}
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var score float64
			fragment, err := scanFragment(rows, &score)
			if err != nil {
				return fmt.Errorf("failed to scan fragment: %w", err)
			}
			results = append(results, &core.ScoredFragment{Fragment: fragment, Score: float32(score)})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []*core.ScoredFragment{}
	}
	return results, nil
}

// SoftDelete marks matching active fragments as deleted. The partial unique
// index then no longer covers them, so their content can be ingested again.
func (r *FragmentRepository) SoftDelete(ctx context.Context, filter *core.Filter) (int, error) {
	args := []any{time.Now().UTC()}
	where, args := activeWhere(filter, args)
	tag, err := r.db.Exec(ctx,
		fmt.Sprintf("UPDATE fragments SET status = %d, updated_at = $1 %s", statusDeleted, where),
		args...)
	if err != nil {
		return 0, fmt.Errorf("soft delete failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *FragmentRepository) GetFragment(ctx context.Context, id core.ID) (*core.Fragment, error) {
	row := r.db.QueryRow(ctx, "SELECT "+fragmentColumns+" FROM fragments WHERE id = $1", int64(id))
	fragment, err := scanFragment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fragment, nil
}

func (r *FragmentRepository) GetFragments(ctx context.Context, ids ...core.ID) ([]*core.Fragment, error) {
	if len(ids) == 0 {
		return []*core.Fragment{}, nil
	}
	return r.queryFragments(ctx,
		"SELECT "+fragmentColumns+" FROM fragments WHERE id = ANY($1) ORDER BY id",
		int64IDs(ids))
}

func (r *FragmentRepository) queryFragments(ctx context.Context, query string, args ...any) ([]*core.Fragment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fragments := []*core.Fragment{}
	for rows.Next() {
		fragment, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fragment: %w", err)
		}
		fragments = append(fragments, fragment)
	}
	return fragments, rows.Err()
}

func (r *FragmentRepository) IncrementAccess(ctx context.Context, ids ...core.ID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		"UPDATE fragments SET access_count = access_count + 1 WHERE id = ANY($1)",
		int64IDs(ids))
	return err
}

// ForEachFragment pages through active fragments by id.
func (r *FragmentRepository) ForEachFragment(ctx context.Context, filter *core.Filter, batchSize int, fn func([]*core.Fragment) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", storage.ErrInvalidQuery)
	}

	var lastID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		where, args := activeWhere(filter, []any{lastID})
		args = append(args, batchSize)
		batch, err := r.queryFragments(ctx, fmt.Sprintf(
			"SELECT %s FROM fragments %s AND id > $1 ORDER BY id LIMIT $%d",
			fragmentColumns, where, len(args)), args...)
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			return nil
		}
		lastID = int64(batch[len(batch)-1].Id)
	}
}

func (r *FragmentRepository) CountFragments(ctx context.Context, filter *core.Filter) (int, error) {
	where, args := activeWhere(filter, nil)
	var count int64
	if err := r.db.QueryRow(ctx, "SELECT count(*) FROM fragments "+where, args...).Scan(&count); err != nil {
		return 0, err
	}
	return int(count), nil
}

// UpdateVectors replaces embeddings in one transaction. A missing id rolls
// the whole update back.
func (r *FragmentRepository) UpdateVectors(ctx context.Context, vectors map[core.ID][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	ids := make([]core.ID, 0, len(vectors))
	for id, v := range vectors {
		if err := r.checkDimension(v); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	now := time.Now().UTC()
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, id := range ids {
			tag, err := tx.Exec(ctx,
				"UPDATE fragments SET embedding = $1, updated_at = $2 WHERE id = $3",
				vectorArg(vectors[id]), now, int64(id))
			if err != nil {
				return fmt.Errorf("failed to update vector of %d: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: fragment %d", storage.ErrNotFound, id)
			}
		}
		return nil
	})
}

// Close closes the underlying pool.
func (r *FragmentRepository) Close() error {
	r.db.Close()
	return nil
}
