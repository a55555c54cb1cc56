// Package ingestion turns raw text into stored, searchable fragments.
//
// A call to Ingest validates metadata, embeds every non-blank input lacking
// a vector in one batch, hashes content and writes the batch with unordered
// semantics. Content already active for the same owner is not duplicated:
// the existing fragment's id is returned in its place.
//
// # Usage
//
//	pipeline, err := ingestion.NewPipeline(repo, provider)
//	if err != nil {
//	    return err
//	}
//	ids, err := pipeline.Ingest(ctx, []ingestion.Input{
//	    {Content: "Badger is an LSM tree store", Metadata: core.Metadata{OwnerID: "acme"}},
//	})
//
// Blank content is stored without a vector and never appears in search results.
package ingestion
