// Package mock provides test doubles for the ai interfaces.
//
// # Usage in Tests
//
//	// Basic usage with default behavior
//	provider := mock.NewMockProvider()
//	vector, err := provider.Embedder().EmbedText(ctx, "test")
//
//	// Custom behavior injection
//	embedder := mock.NewMockEmbedder()
//	embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
//	    return nil, errors.New("provider down")
//	}
//
//	// Check call counts
//	count := embedder.CallCount()
//
// # Default Behavior
//
// MockEmbedder returns a normalized hashed bag of words of DefaultDimension
// dimensions. Identical texts embed identically; texts with overlapping
// vocabulary have positive cosine similarity. Blank input is rejected with
// ai.ErrEmptyInput like the production embedder.
package mock
