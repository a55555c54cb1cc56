package postgres

import (
	"context"
	"fmt"
)

// Status values stored in the status column, equal to core.Status.
const (
	statusActive  = 1
	statusDeleted = 2
)

// Migrate creates the pgvector extension, the fragments table and its
// indexes. It is idempotent. dimension fixes the size of the embedding column.
func Migrate(ctx context.Context, db DB, dimension int) error {
	if dimension <= 0 {
		return ErrInvalidDimension
	}

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS fragments (
	id           BIGSERIAL PRIMARY KEY,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	embedding    vector(%d),
	owner_id     TEXT NOT NULL,
	project_id   TEXT NOT NULL DEFAULT '',
	document_id  TEXT NOT NULL DEFAULT '',
	chunk_id     TEXT NOT NULL DEFAULT '',
	chunk_index  INTEGER NOT NULL DEFAULT 0,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	source       TEXT NOT NULL DEFAULT '',
	tags         TEXT[] NOT NULL DEFAULT '{}',
	custom       JSONB NOT NULL DEFAULT '{}',
	status       SMALLINT NOT NULL DEFAULT %d,
	ingested_at  TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	access_count BIGINT NOT NULL DEFAULT 0
)`, dimension, statusActive),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS fragments_active_content
	ON fragments (owner_id, content_hash) WHERE status = %d`, statusActive),
		`CREATE INDEX IF NOT EXISTS fragments_owner ON fragments (owner_id, project_id, document_id)`,
		`CREATE INDEX IF NOT EXISTS fragments_embedding
	ON fragments USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
