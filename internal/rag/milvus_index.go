package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
)

// Ensure MilvusIndex implements the interface.
var _ core.VectorIndex = (*MilvusIndex)(nil)

// maxQueryRows is the page size for id listings; maxWriteRows bounds the
// rows sent in one upsert or delete request.
const (
	maxQueryRows = 1000
	maxWriteRows = 500
)

// MilvusConfig configures a Milvus-backed index.
type MilvusConfig struct {
	Address      string
	Collection   string
	Dimensions   int
	Shards       int32
	ReadyTimeout time.Duration
}

// MilvusIndex stores document chunks in one Milvus collection.
type MilvusIndex struct {
	client       *milvusclient.Client
	collection   string
	dimensions   int
	shards       int32
	readyTimeout time.Duration
}

// NewMilvusIndex connects to Milvus. The collection is created lazily by
// EnsureIndex.
func NewMilvusIndex(ctx context.Context, cfg MilvusConfig) (*MilvusIndex, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("milvus: collection name is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = core.DefaultEmbeddingDim
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}

	logger.IndexInfo("Connecting to Milvus at %s with dimension %d", cfg.Address, cfg.Dimensions)
	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Milvus: %w", err)
	}

	return &MilvusIndex{
		client:       c,
		collection:   milvusCollectionName(cfg.Collection),
		dimensions:   cfg.Dimensions,
		shards:       cfg.Shards,
		readyTimeout: cfg.ReadyTimeout,
	}, nil
}

// milvusCollectionName maps an index name onto Milvus' identifier rules,
// which allow letters, digits and underscores only.
func milvusCollectionName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (m *MilvusIndex) Name() string   { return m.collection }
func (m *MilvusIndex) Dimension() int { return m.dimensions }

// Close closes the connection to Milvus.
func (m *MilvusIndex) Close(ctx context.Context) error {
	return m.client.Close(ctx)
}

// UpsertDocuments writes docs column-wise, replacing rows with the same id.
// Every document is validated before the first batch is sent.
func (m *MilvusIndex) UpsertDocuments(ctx context.Context, docs []core.Document) error {
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("upsert documents: document %q has no id", doc.Title)
		}
		if len(doc.Embedding) != m.dimensions {
			return fmt.Errorf("upsert documents: %w: document %s has %d values, collection %s expects %d",
				core.ErrDimensionMismatch, doc.ID, len(doc.Embedding), m.collection, m.dimensions)
		}
	}

	for start := 0; start < len(docs); start += maxWriteRows {
		if err := m.upsertBatch(ctx, docs[start:min(start+maxWriteRows, len(docs))]); err != nil {
			return err
		}
	}
	if len(docs) > 0 {
		logger.IndexDebug("Upserted %d document(s) into %s", len(docs), m.collection)
	}
	return nil
}

func (m *MilvusIndex) upsertBatch(ctx context.Context, docs []core.Document) error {
	ids := make([]string, 0, len(docs))
	parents := make([]string, 0, len(docs))
	titles := make([]string, 0, len(docs))
	bodies := make([]string, 0, len(docs))
	chunks := make([]int64, 0, len(docs))
	vectors := make([][]float32, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
		parents = append(parents, doc.ParentID)
		titles = append(titles, doc.Title)
		bodies = append(bodies, doc.Body)
		chunks = append(chunks, int64(doc.ChunkIndex))
		vectors = append(vectors, doc.Embedding)
	}

	opt := milvusclient.NewColumnBasedInsertOption(m.collection).
		WithVarcharColumn(FieldID, ids).
		WithVarcharColumn(FieldParentID, parents).
		WithVarcharColumn(FieldTitle, titles).
		WithVarcharColumn(FieldBody, bodies).
		WithInt64Column(FieldChunkIndex, chunks).
		WithFloatVectorColumn(FieldVector, m.dimensions, vectors)

	if _, err := m.client.Upsert(ctx, opt); err != nil {
		if exists, hasErr := m.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(m.collection)); hasErr == nil && !exists {
			return fmt.Errorf("upsert documents into %s: %w", m.collection, core.ErrIndexNotFound)
		}
		return fmt.Errorf("failed to upsert documents into %s: %w", m.collection, err)
	}
	return nil
}

// DeleteDocuments removes rows by primary key.
func (m *MilvusIndex) DeleteDocuments(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += maxWriteRows {
		batch := ids[start:min(start+maxWriteRows, len(ids))]
		if _, err := m.client.Delete(ctx, milvusclient.NewDeleteOption(m.collection).WithExpr(inExpr(FieldID, batch))); err != nil {
			return fmt.Errorf("failed to delete documents from %s: %w", m.collection, err)
		}
	}
	if len(ids) > 0 {
		logger.IndexDebug("Deleted %d document(s) from %s", len(ids), m.collection)
	}
	return nil
}

// ListDocumentIDs returns every chunk id stored for parentID, one page of
// maxQueryRows at a time.
func (m *MilvusIndex) ListDocumentIDs(ctx context.Context, parentID string) ([]string, error) {
	ids := make([]string, 0)
	for {
		queryOpt := milvusclient.NewQueryOption(m.collection).
			WithFilter(eqExpr(FieldParentID, parentID)).
			WithOutputFields(FieldID).
			WithOffset(len(ids)).
			WithLimit(maxQueryRows)

		rs, err := m.client.Query(ctx, queryOpt)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", m.collection, err)
		}

		col := rs.GetColumn(FieldID)
		if col == nil {
			return ids, nil
		}
		for i := 0; i < col.Len(); i++ {
			id, err := col.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read id at row %d: %w", len(ids), err)
			}
			ids = append(ids, id)
		}
		if col.Len() < maxQueryRows {
			return ids, nil
		}
	}
}

// Search runs an ANN query on the dense vector. Milvus has no keyword
// ranking here, so a query without a vector matches nothing.
func (m *MilvusIndex) Search(ctx context.Context, query string, vector []float32, k int) ([]core.SearchResult, error) {
	if k <= 0 {
		k = 5
	}
	if len(vector) == 0 {
		logger.IndexWarn("Milvus search for %q skipped: no query vector", query)
		return []core.SearchResult{}, nil
	}

	searchOpt := milvusclient.NewSearchOption(m.collection, k, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(FieldVector).
		WithOutputFields(FieldParentID, FieldTitle, FieldBody, FieldChunkIndex)

	sets, err := m.client.Search(ctx, searchOpt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search: %w", err)
	}
	if len(sets) == 0 || sets[0].ResultCount == 0 {
		return []core.SearchResult{}, nil
	}
	return resultsFromSet(sets[0])
}

func resultsFromSet(rs milvusclient.ResultSet) ([]core.SearchResult, error) {
	results := make([]core.SearchResult, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		id, err := rs.IDs.GetAsString(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read id at row %d: %w", i, err)
		}
		doc := core.Document{
			ID:       id,
			ParentID: stringAt(rs.GetColumn(FieldParentID), i),
			Title:    stringAt(rs.GetColumn(FieldTitle), i),
			Body:     stringAt(rs.GetColumn(FieldBody), i),
		}
		if col := rs.GetColumn(FieldChunkIndex); col != nil {
			if n, err := col.GetAsInt64(i); err == nil {
				doc.ChunkIndex = int(n)
			}
		}

		score := float32(0)
		if i < len(rs.Scores) {
			score = rs.Scores[i]
		}
		results = append(results, core.SearchResult{Document: doc, Score: score})
	}
	return results, nil
}

func stringAt(col column.Column, i int) string {
	if col == nil || i >= col.Len() {
		return ""
	}
	s, err := col.GetAsString(i)
	if err != nil {
		return ""
	}
	return s
}

func eqExpr(field, value string) string {
	return fmt.Sprintf("%s == %s", field, strconv.Quote(value))
}

func inExpr(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", "))
}
