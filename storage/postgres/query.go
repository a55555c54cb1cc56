package postgres

import (
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/poiesic/recall/core"
)

const fragmentColumns = `id, content, content_hash, embedding, owner_id, project_id, document_id,
	chunk_id, chunk_index, total_chunks, source, tags, custom, status, ingested_at, updated_at, access_count`

// conditions renders filter as SQL conditions with numbered placeholders
// following the existing args.
func conditions(filter *core.Filter, args []any) ([]string, []any) {
	var conds []string
	add := func(expr string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if filter == nil {
		return conds, args
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}
	if filter.DocumentID != "" {
		add("document_id = $%d", filter.DocumentID)
	}
	if filter.Source != "" {
		add("source = $%d", filter.Source)
	}
	if len(filter.Tags) > 0 {
		add("tags @> $%d", filter.Tags)
	}
	if len(filter.IDs) > 0 {
		add("id = ANY($%d)", int64IDs(filter.IDs))
	}
	return conds, args
}

// activeWhere renders a WHERE clause limited to active fragments.
func activeWhere(filter *core.Filter, args []any) (string, []any) {
	conds, args := conditions(filter, args)
	conds = append([]string{fmt.Sprintf("status = %d", statusActive)}, conds...)
	return "WHERE " + strings.Join(conds, " AND "), args
}

func int64IDs(ids []core.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// vectorArg maps an empty embedding to NULL.
func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanFragment reads fragmentColumns, followed by extra destinations.
func scanFragment(row rowScanner, extra ...any) (*core.Fragment, error) {
	var (
		f           core.Fragment
		id          int64
		vector      *pgvector.Vector
		chunkIndex  int32
		totalChunks int32
		status      int16
		accessCount int64
	)
	dest := []any{
		&id, &f.Content, &f.ContentHash, &vector,
		&f.Metadata.OwnerID, &f.Metadata.ProjectID, &f.Metadata.DocumentID, &f.Metadata.ChunkID,
		&chunkIndex, &totalChunks, &f.Metadata.Source, &f.Metadata.Tags, &f.Metadata.Custom,
		&status, &f.IngestedAt, &f.UpdatedAt, &accessCount,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	f.Id = core.ID(id)
	if vector != nil {
		f.Vector = vector.Slice()
	}
	f.Metadata.ChunkIndex = int(chunkIndex)
	f.Metadata.TotalChunks = int(totalChunks)
	if len(f.Metadata.Tags) == 0 {
		f.Metadata.Tags = nil
	}
	if len(f.Metadata.Custom) == 0 {
		f.Metadata.Custom = nil
	}
	f.Status = core.Status(status)
	f.AccessCount = uint64(accessCount)
	f.IngestedAt = f.IngestedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}
