// Package reembed recomputes the embeddings of stored fragments, typically
// after switching to a new embedding model.
//
// Fragments are read in keyset-paginated batches and embedded concurrently
// on a bounded worker pool. Embedding calls are retried with exponential
// backoff and every vector is normalized before it is written back, so
// cosine similarity stays meaningful across models. Blank fragments keep
// their empty vector.
package reembed
