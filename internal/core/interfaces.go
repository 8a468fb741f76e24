package core

import "context"

// EmbedService turns text into a dense vector.
type EmbedService interface {
	// Embed returns the embedding for text. Empty input and empty
	// responses are errors, never a zero-length vector.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector length the service produces.
	Dimension() int
}

// VectorIndex is a document store supporting keyword and vector search.
type VectorIndex interface {
	Name() string
	Dimension() int

	// EnsureIndex creates or updates the index schema and returns once the
	// index accepts documents.
	EnsureIndex(ctx context.Context) error
	// DeleteIndex removes the index. Deleting a missing index fails with
	// ErrIndexNotFound.
	DeleteIndex(ctx context.Context) error

	UpsertDocuments(ctx context.Context, docs []Document) error
	DeleteDocuments(ctx context.Context, ids []string) error
	// ListDocumentIDs returns the ids of every chunk belonging to parentID.
	ListDocumentIDs(ctx context.Context, parentID string) ([]string, error)

	// Search runs a hybrid query. Either query or vector may be empty.
	Search(ctx context.Context, query string, vector []float32, k int) ([]SearchResult, error)
}
