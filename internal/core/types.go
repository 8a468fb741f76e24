package core

// UpsertAction is the per-document action understood by the search index.
type UpsertAction string

const (
	ActionUpload        UpsertAction = "upload"
	ActionMerge         UpsertAction = "merge"
	ActionMergeOrUpload UpsertAction = "mergeOrUpload"
	ActionDelete        UpsertAction = "delete"
)

// DefaultEmbeddingDim is the dimension of the text-embedding-ada-002 family.
const DefaultEmbeddingDim = 1536

// Document is one indexed segment of an uploaded file. A file that fits in
// a single chunk produces exactly one Document.
type Document struct {
	ID         string       `json:"id"`
	ParentID   string       `json:"parent_id,omitempty"`
	Title      string       `json:"title"`
	Body       string       `json:"body"`
	ChunkIndex int          `json:"chunk_index"`
	Embedding  []float32    `json:"embedding,omitempty"`
	Action     UpsertAction `json:"action,omitempty"`
}

// SearchResult represents a search result with a document and a score
type SearchResult struct {
	Document Document `json:"document"`
	Score    float32  `json:"score"`
}
