package indexer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hunterwarburton/qnabot/internal/chunker"
	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/embed/embedtest"
	"github.com/hunterwarburton/qnabot/internal/rag"
	"github.com/hunterwarburton/qnabot/internal/search"
	"github.com/hunterwarburton/qnabot/internal/search/searchtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dims = 16

// countingIndex records calls that the memory index does not expose.
type countingIndex struct {
	core.VectorIndex
	ensures int
	upserts int
}

func (c *countingIndex) EnsureIndex(ctx context.Context) error {
	c.ensures++
	return c.VectorIndex.EnsureIndex(ctx)
}

func (c *countingIndex) UpsertDocuments(ctx context.Context, docs []core.Document) error {
	c.upserts++
	return c.VectorIndex.UpsertDocuments(ctx, docs)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newMemoryIndexer(t *testing.T, opts ...Option) (*Indexer, *rag.MemoryIndex, *countingIndex, *embedtest.Embedder) {
	t.Helper()
	mem := rag.NewMemoryIndex("my-documents", dims)
	counting := &countingIndex{VectorIndex: mem}
	e := embedtest.New(dims)
	return New(counting, e, opts...), mem, counting, e
}

func TestDocumentID(t *testing.T) {
	a := DocumentID("a.txt")
	assert.Equal(t, a, DocumentID("a.txt"), "stable")
	assert.NotEqual(t, a, DocumentID("b.txt"))
	assert.True(t, strings.HasPrefix(a, "doc-"))
	assert.Len(t, a, len("doc-")+32)
	assert.Equal(t, a+"-3", ChunkID(a, 3))
}

func TestCreateIndexAndUploadDocument_DistinctFiles(t *testing.T) {
	dir := t.TempDir()
	ix, mem, counting, _ := newMemoryIndexer(t)
	ctx := context.Background()

	ra, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "apples are red"))
	require.NoError(t, err)
	rb, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "b.txt", "bananas are yellow"))
	require.NoError(t, err)

	assert.NotEqual(t, ra.ParentID, rb.ParentID)
	assert.Equal(t, 2, mem.Len())
	assert.Equal(t, 1, counting.ensures, "index ensured once per process")

	docA, ok := mem.Get(ChunkID(ra.ParentID, 0))
	require.True(t, ok)
	assert.Equal(t, "a.txt", docA.Title)
	assert.Equal(t, "apples are red", docA.Body)

	docB, ok := mem.Get(ChunkID(rb.ParentID, 0))
	require.True(t, ok)
	assert.Equal(t, "bananas are yellow", docB.Body)
}

func TestCreateIndexAndUploadDocument_SameNameUpdates(t *testing.T) {
	dir := t.TempDir()
	ix, mem, _, _ := newMemoryIndexer(t)
	ctx := context.Background()

	first, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "version one"))
	require.NoError(t, err)
	second, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "version two"))
	require.NoError(t, err)

	assert.Equal(t, first.ParentID, second.ParentID)
	assert.Equal(t, 1, mem.Len())
	doc, ok := mem.Get(ChunkID(second.ParentID, 0))
	require.True(t, ok)
	assert.Equal(t, "version two", doc.Body)
}

func TestIngestFile_PrunesStaleChunks(t *testing.T) {
	dir := t.TempDir()
	small := chunker.New(chunker.WithChunkSize(10), chunker.WithOverlap(0))
	ix, mem, _, _ := newMemoryIndexer(t, WithChunker(small))
	ctx := context.Background()

	long, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "notes.txt", "alpha beta gamma delta epsilon zeta"))
	require.NoError(t, err)
	require.Greater(t, long.Chunks, 2)

	short, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "notes.txt", "omega"))
	require.NoError(t, err)
	assert.Equal(t, 1, short.Chunks)
	assert.Equal(t, long.Chunks-1, short.Removed)

	ids, err := mem.ListDocumentIDs(ctx, short.ParentID)
	require.NoError(t, err)
	assert.Equal(t, []string{ChunkID(short.ParentID, 0)}, ids)
}

func TestIngestFile_EmbeddingFailureUploadsNothing(t *testing.T) {
	dir := t.TempDir()
	ix, mem, counting, e := newMemoryIndexer(t)
	e.FailWith(core.ErrEmptyEmbedding)

	_, err := ix.CreateIndexAndUploadDocument(context.Background(), writeFile(t, dir, "a.txt", "some text"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEmptyEmbedding)
	assert.Zero(t, counting.upserts)
	assert.Zero(t, mem.Len())
}

func TestIngestFile_DimensionMismatchUploadsNothing(t *testing.T) {
	dir := t.TempDir()
	mem := rag.NewMemoryIndex("my-documents", dims)
	counting := &countingIndex{VectorIndex: mem}
	ix := New(counting, embedtest.New(dims/2))

	_, err := ix.CreateIndexAndUploadDocument(context.Background(), writeFile(t, dir, "a.txt", "some text"))
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.Zero(t, counting.upserts)
}

func TestIngestFile_Rejections(t *testing.T) {
	dir := t.TempDir()
	ix, mem, _, e := newMemoryIndexer(t)
	ctx := context.Background()

	t.Run("binary", func(t *testing.T) {
		_, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "img.png", "\x89PNG\r\n\x1a\n\x00\x00"))
		assert.ErrorIs(t, err, core.ErrBinaryContent)
	})

	t.Run("invalid utf-8", func(t *testing.T) {
		_, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "latin1.txt", "caf\xe9"))
		assert.ErrorIs(t, err, core.ErrBinaryContent)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "blank.txt", " \n\t "))
		assert.ErrorIs(t, err, core.ErrEmptyInput)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ix.CreateIndexAndUploadDocument(ctx, filepath.Join(dir, "nope.txt"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("too large", func(t *testing.T) {
		limited := New(mem, e, WithMaxFileBytes(4))
		_, err := limited.IngestFile(ctx, writeFile(t, dir, "big.txt", "more than four bytes"))
		assert.ErrorContains(t, err, "limit is 4")
	})

	assert.Zero(t, mem.Len())
	assert.Empty(t, e.Calls())
}

func TestIngestFile_BOMAndCRLF(t *testing.T) {
	dir := t.TempDir()
	ix, mem, _, _ := newMemoryIndexer(t)

	res, err := ix.CreateIndexAndUploadDocument(context.Background(), writeFile(t, dir, "win.txt", "\xEF\xBB\xBFline one\r\nline two"))
	require.NoError(t, err)
	doc, ok := mem.Get(ChunkID(res.ParentID, 0))
	require.True(t, ok)
	assert.Equal(t, "line one\nline two", doc.Body)
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	ix, _, counting, _ := newMemoryIndexer(t)
	ctx := context.Background()

	err := ix.Delete(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrIndexNotFound)

	_, err = ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "text"))
	require.NoError(t, err)
	require.NoError(t, ix.Delete(ctx))
	assert.ErrorIs(t, ix.Delete(ctx), core.ErrIndexNotFound)

	_, err = ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "text"))
	require.NoError(t, err)
	assert.Equal(t, 2, counting.ensures, "index ensured again after delete")
}

func TestEnsureFailureIsRetried(t *testing.T) {
	dir := t.TempDir()
	mem := rag.NewMemoryIndex("my-documents", dims)
	flaky := &flakyIndex{VectorIndex: mem, failures: 1}
	ix := New(flaky, embedtest.New(dims))
	ctx := context.Background()

	_, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "text"))
	assert.ErrorIs(t, err, core.ErrIndexNotReady)

	_, err = ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "text"))
	assert.NoError(t, err)
}

type flakyIndex struct {
	core.VectorIndex
	failures int
}

func (f *flakyIndex) EnsureIndex(ctx context.Context) error {
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("stats: %w", core.ErrIndexNotReady)
	}
	return f.VectorIndex.EnsureIndex(ctx)
}

func TestIndexer_AgainstSearchService(t *testing.T) {
	srv := searchtest.NewServer()
	defer srv.Close()
	srv.StatsFailures = 1

	client, err := search.NewClient(search.Config{
		Endpoint:     srv.URL,
		APIKey:       searchtest.APIKey,
		IndexName:    "my-documents",
		Dimensions:   dims,
		PollInterval: 5 * time.Millisecond,
		ReadyTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	ix := New(client, embedtest.New(dims))
	ctx := context.Background()

	ra, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "first file"))
	require.NoError(t, err)
	rb, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "b.txt", "second file"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{ChunkID(ra.ParentID, 0), ChunkID(rb.ParentID, 0)}, srv.DocumentIDs("my-documents"))

	stored, ok := srv.Document("my-documents", ChunkID(ra.ParentID, 0))
	require.True(t, ok)
	assert.Equal(t, "first file", stored[search.FieldBody])
	assert.Equal(t, "a.txt", stored[search.FieldTitle])

	require.NoError(t, ix.Delete(ctx))
	assert.ErrorIs(t, ix.Delete(ctx), core.ErrIndexNotFound)
}

func newSearchClient(t *testing.T, srv *searchtest.Server) *search.Client {
	t.Helper()
	client, err := search.NewClient(search.Config{
		Endpoint:     srv.URL,
		APIKey:       searchtest.APIKey,
		IndexName:    "my-documents",
		Dimensions:   dims,
		PollInterval: 5 * time.Millisecond,
		ReadyTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestIndexer_LargeFileUploadsInBatches(t *testing.T) {
	srv := searchtest.NewServer()
	defer srv.Close()

	dir := t.TempDir()
	small := chunker.New(chunker.WithChunkSize(10), chunker.WithOverlap(0))
	ix := New(newSearchClient(t, srv), embedtest.New(dims), WithChunker(small))
	ctx := context.Background()

	big, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "big.txt", strings.Repeat("word ", 2500)))
	require.NoError(t, err)
	require.Greater(t, big.Chunks, search.DefaultMaxBatchDocuments)
	assert.Greater(t, srv.CountRequests(http.MethodPost, "/docs/search.index"), 1)
	assert.Len(t, srv.DocumentIDs("my-documents"), big.Chunks)

	short, err := ix.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "big.txt", "word word"))
	require.NoError(t, err)
	assert.Equal(t, 1, short.Chunks)
	assert.Equal(t, big.Chunks-1, short.Removed, "chunks past the first page are pruned too")
	assert.Equal(t, []string{ChunkID(short.ParentID, 0)}, srv.DocumentIDs("my-documents"))
}

func TestIndexer_RecreatesIndexDroppedElsewhere(t *testing.T) {
	srv := searchtest.NewServer()
	defer srv.Close()

	dir := t.TempDir()
	bot := New(newSearchClient(t, srv), embedtest.New(dims))
	admin := New(newSearchClient(t, srv), embedtest.New(dims))
	ctx := context.Background()

	_, err := bot.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "a.txt", "first file"))
	require.NoError(t, err)
	require.NoError(t, admin.Delete(ctx))

	rb, err := bot.CreateIndexAndUploadDocument(ctx, writeFile(t, dir, "b.txt", "second file"))
	require.NoError(t, err)
	assert.Equal(t, []string{ChunkID(rb.ParentID, 0)}, srv.DocumentIDs("my-documents"))
	assert.Equal(t, 2, srv.CountRequests(http.MethodPut, ""), "schema submitted again")
}

func TestIngestFile_DoesNotRecreateIndex(t *testing.T) {
	dir := t.TempDir()
	ix, _, counting, _ := newMemoryIndexer(t)

	_, err := ix.IngestFile(context.Background(), writeFile(t, dir, "a.txt", "text"))
	assert.ErrorIs(t, err, core.ErrIndexNotFound)
	assert.Equal(t, 0, counting.ensures)
}
