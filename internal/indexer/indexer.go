// Package indexer turns uploaded text files into searchable index documents.
package indexer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hunterwarburton/qnabot/internal/chunker"
	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
)

// DefaultMaxFileBytes bounds how much of a file is read for indexing.
const DefaultMaxFileBytes = 10 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Result describes one ingested file.
type Result struct {
	ParentID string `json:"parentId"`
	Title    string `json:"title"`
	Chunks   int    `json:"chunks"`
	// Removed counts chunks left over from a longer previous version.
	Removed int `json:"removed"`
}

// Indexer ensures the index exists and uploads files into it.
type Indexer struct {
	index        core.VectorIndex
	embedder     core.EmbedService
	chunker      *chunker.Chunker
	maxFileBytes int64

	mu      sync.Mutex
	ensured bool
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithChunker replaces the default chunker.
func WithChunker(c *chunker.Chunker) Option {
	return func(ix *Indexer) { ix.chunker = c }
}

// WithMaxFileBytes limits the size of files accepted for indexing.
func WithMaxFileBytes(n int64) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.maxFileBytes = n
		}
	}
}

// New creates an Indexer writing to index with vectors from embedder.
func New(index core.VectorIndex, embedder core.EmbedService, opts ...Option) *Indexer {
	ix := &Indexer{
		index:        index,
		embedder:     embedder,
		chunker:      chunker.New(),
		maxFileBytes: DefaultMaxFileBytes,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// IndexName returns the name of the target index.
func (ix *Indexer) IndexName() string { return ix.index.Name() }

// DocumentID derives the parent id of a file from its name. The same name
// always maps to the same id, so re-uploading a file replaces it.
func DocumentID(title string) string {
	sum := sha256.Sum256([]byte(title))
	return "doc-" + hex.EncodeToString(sum[:16])
}

// ChunkID is the key of chunk n of a parent document.
func ChunkID(parentID string, n int) string {
	return fmt.Sprintf("%s-%d", parentID, n)
}

// CreateIndexAndUploadDocument ensures the index exists and ingests the file
// at path. The index is ensured once per process until Delete is called. An
// index dropped elsewhere in the meantime is recreated and the upload
// retried once.
func (ix *Indexer) CreateIndexAndUploadDocument(ctx context.Context, path string) (*Result, error) {
	if err := ix.ensureIndex(ctx); err != nil {
		return nil, err
	}

	file, err := ix.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	err = ix.index.UpsertDocuments(ctx, file.docs)
	if errors.Is(err, core.ErrIndexNotFound) {
		logger.IndexWarn("Index %s disappeared, ensuring it again before retrying %s", ix.index.Name(), file.title)
		ix.forgetIndex()
		if err := ix.ensureIndex(ctx); err != nil {
			return nil, err
		}
		err = ix.index.UpsertDocuments(ctx, file.docs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", file.title, err)
	}
	return ix.finish(ctx, file), nil
}

func (ix *Indexer) ensureIndex(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.ensured {
		return nil
	}
	if err := ix.index.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("failed to ensure index %s: %w", ix.index.Name(), err)
	}
	ix.ensured = true
	return nil
}

func (ix *Indexer) forgetIndex() {
	ix.mu.Lock()
	ix.ensured = false
	ix.mu.Unlock()
}

// preparedFile is a file chunked and embedded, ready to upload.
type preparedFile struct {
	title    string
	parentID string
	docs     []core.Document
}

// IngestFile chunks, embeds and uploads one text file. Every chunk is
// embedded before anything is uploaded, so an embedding failure leaves the
// index untouched.
func (ix *Indexer) IngestFile(ctx context.Context, path string) (*Result, error) {
	file, err := ix.prepare(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ix.index.UpsertDocuments(ctx, file.docs); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", file.title, err)
	}
	return ix.finish(ctx, file), nil
}

func (ix *Indexer) prepare(ctx context.Context, path string) (*preparedFile, error) {
	title := filepath.Base(path)
	text, err := ix.readText(path)
	if err != nil {
		return nil, err
	}

	chunks := ix.chunker.Split(text)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%s: %w", title, core.ErrEmptyInput)
	}

	parentID := DocumentID(title)
	dim := ix.index.Dimension()
	docs := make([]core.Document, 0, len(chunks))
	for n, chunk := range chunks {
		vector, err := ix.embedder.Embed(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunk %d of %s: %w", n, title, err)
		}
		if len(vector) != dim {
			return nil, fmt.Errorf("chunk %d of %s: %w: got %d values, index %s expects %d",
				n, title, core.ErrDimensionMismatch, len(vector), ix.index.Name(), dim)
		}
		docs = append(docs, core.Document{
			ID:         ChunkID(parentID, n),
			ParentID:   parentID,
			Title:      title,
			Body:       chunk,
			ChunkIndex: n,
			Embedding:  vector,
			Action:     core.ActionMergeOrUpload,
		})
	}
	return &preparedFile{title: title, parentID: parentID, docs: docs}, nil
}

func (ix *Indexer) finish(ctx context.Context, file *preparedFile) *Result {
	result := &Result{ParentID: file.parentID, Title: file.title, Chunks: len(file.docs)}
	result.Removed = ix.pruneStale(ctx, file.parentID, file.docs)

	logger.IndexInfo("Indexed %s as %s: %d chunk(s), %d stale removed", file.title, file.parentID, result.Chunks, result.Removed)
	return result
}

// pruneStale removes chunks of parentID that the new upload did not
// overwrite. Failures are logged; the new content is already searchable.
func (ix *Indexer) pruneStale(ctx context.Context, parentID string, current []core.Document) int {
	existing, err := ix.index.ListDocumentIDs(ctx, parentID)
	if err != nil {
		logger.IndexWarn("Could not list chunks of %s: %v", parentID, err)
		return 0
	}

	keep := make(map[string]struct{}, len(current))
	for _, d := range current {
		keep[d.ID] = struct{}{}
	}
	var stale []string
	for _, id := range existing {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	if err := ix.index.DeleteDocuments(ctx, stale); err != nil {
		logger.IndexWarn("Could not remove %d stale chunk(s) of %s: %v", len(stale), parentID, err)
		return 0
	}
	return len(stale)
}

func (ix *Indexer) readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() > ix.maxFileBytes {
		return "", fmt.Errorf("%s is %d bytes, limit is %d", filepath.Base(path), info.Size(), ix.maxFileBytes)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	data := bytes.TrimPrefix(buf.Bytes(), utf8BOM)
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return "", fmt.Errorf("%s: %w", filepath.Base(path), core.ErrBinaryContent)
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

// Delete removes the index. A missing index is reported as
// core.ErrIndexNotFound. Either way the next upload ensures it again.
func (ix *Indexer) Delete(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	err := ix.index.DeleteIndex(ctx)
	if err == nil || errors.Is(err, core.ErrIndexNotFound) {
		ix.ensured = false
	}
	if err != nil {
		return fmt.Errorf("failed to delete index %s: %w", ix.index.Name(), err)
	}
	return nil
}
