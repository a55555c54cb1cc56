// Package postgres implements storage.FragmentRepository on PostgreSQL with
// the pgvector extension.
//
// Fragments live in a single table. Vector search orders by cosine distance
// (the <=> operator) over an HNSW index; numCandidates is passed to the index
// as hnsw.ef_search. The active (owner, content hash) pair is unique through a
// partial index, so soft-deleted content can be ingested again.
//
//	pool, err := postgres.Open(ctx, "postgres://recall@localhost/recall")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := postgres.Migrate(ctx, pool, 768); err != nil {
//	    log.Fatal(err)
//	}
//	repo, err := postgres.NewFragmentRepository(pool, postgres.WithDimension(768))
package postgres
