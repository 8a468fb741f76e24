package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
)

// listPageSize is the largest page the service returns for one query.
const listPageSize = 1000

// batchEnvelope is the size of `{"value":[]}` around the documents.
const batchEnvelope = len(`{"value":[]}`)

// indexDocument is the wire shape of a document in the index.
type indexDocument struct {
	Action      core.UpsertAction `json:"@search.action,omitempty"`
	ID          string            `json:"DocId"`
	Title       string            `json:"DocTitle,omitempty"`
	Body        string            `json:"Description,omitempty"`
	Vector      []float32         `json:"DescriptionVector,omitempty"`
	ParentID    string            `json:"ParentId,omitempty"`
	ChunkIndex  *int              `json:"ChunkIndex,omitempty"`
	SearchScore float32           `json:"@search.score,omitempty"`
}

type indexBatch struct {
	Value []indexDocument `json:"value"`
}

type indexBatchResult struct {
	Value []struct {
		Key          string `json:"key"`
		Status       bool   `json:"status"`
		ErrorMessage string `json:"errorMessage"`
		StatusCode   int    `json:"statusCode"`
	} `json:"value"`
}

type vectorQuery struct {
	Kind   string    `json:"kind"`
	Vector []float32 `json:"vector"`
	Fields string    `json:"fields"`
	K      int       `json:"k"`
}

type searchRequest struct {
	Search        string        `json:"search"`
	Filter        string        `json:"filter,omitempty"`
	Select        string        `json:"select,omitempty"`
	OrderBy       string        `json:"orderby,omitempty"`
	Top           int           `json:"top"`
	Skip          int           `json:"skip,omitempty"`
	VectorQueries []vectorQuery `json:"vectorQueries,omitempty"`
}

type searchResponse struct {
	Value []indexDocument `json:"value"`
}

func toIndexDocument(doc core.Document) indexDocument {
	action := doc.Action
	if action == "" {
		action = core.ActionMergeOrUpload
	}
	chunk := doc.ChunkIndex
	return indexDocument{
		Action:     action,
		ID:         doc.ID,
		Title:      doc.Title,
		Body:       doc.Body,
		Vector:     doc.Embedding,
		ParentID:   doc.ParentID,
		ChunkIndex: &chunk,
	}
}

func (d indexDocument) toCore() core.Document {
	doc := core.Document{
		ID:       d.ID,
		ParentID: d.ParentID,
		Title:    d.Title,
		Body:     d.Body,
	}
	if d.ChunkIndex != nil {
		doc.ChunkIndex = *d.ChunkIndex
	}
	return doc
}

// UpsertDocuments uploads docs, split into as many batches as the service
// limits require. Every non-delete document must carry a vector of the index
// dimension; nothing is sent otherwise. Batches already accepted stay
// applied when a later one fails.
func (c *Client) UpsertDocuments(ctx context.Context, docs []core.Document) error {
	if len(docs) == 0 {
		return nil
	}

	wire := make([]indexDocument, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("upload documents: document %q has no id", doc.Title)
		}
		if doc.Action != core.ActionDelete && len(doc.Embedding) != c.dimensions {
			return fmt.Errorf("upload documents: %w: document %s has %d values, index %s expects %d",
				core.ErrDimensionMismatch, doc.ID, len(doc.Embedding), c.indexName, c.dimensions)
		}
		wire = append(wire, toIndexDocument(doc))
	}

	if err := c.submitDocuments(ctx, "upload documents", wire); err != nil {
		return err
	}
	logger.IndexDebug("Uploaded %d document(s) to %s", len(docs), c.indexName)
	return nil
}

// DeleteDocuments removes documents by key.
func (c *Client) DeleteDocuments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	wire := make([]indexDocument, 0, len(ids))
	for _, id := range ids {
		wire = append(wire, indexDocument{Action: core.ActionDelete, ID: id})
	}
	if err := c.submitDocuments(ctx, "delete documents", wire); err != nil {
		return err
	}
	logger.IndexDebug("Deleted %d document(s) from %s", len(ids), c.indexName)
	return nil
}

// submitDocuments sends docs in batches bounded by document count and
// encoded size.
func (c *Client) submitDocuments(ctx context.Context, op string, docs []indexDocument) error {
	batch := indexBatch{Value: make([]indexDocument, 0, min(len(docs), c.maxBatchDocs))}
	size := batchEnvelope
	sent := 0

	flush := func() error {
		if len(batch.Value) == 0 {
			return nil
		}
		if err := c.submitBatch(ctx, op, batch); err != nil {
			return fmt.Errorf("%w (%d of %d document(s) sent before this batch)", err, sent, len(docs))
		}
		sent += len(batch.Value)
		logger.IndexDebug("%s: batch of %d sent to %s (%d/%d)", op, len(batch.Value), c.indexName, sent, len(docs))
		batch.Value = batch.Value[:0]
		size = batchEnvelope
		return nil
	}

	for _, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal document %s: %w", op, doc.ID, err)
		}
		n := len(data) + 1
		if batchEnvelope+n > c.maxBatchBytes {
			return fmt.Errorf("%s: document %s is %d bytes, batch limit is %d", op, doc.ID, len(data), c.maxBatchBytes)
		}
		if len(batch.Value) == c.maxBatchDocs || size+n > c.maxBatchBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		batch.Value = append(batch.Value, doc)
		size += n
	}
	return flush()
}

// submitBatch posts an indexing batch. A 207 response means some documents
// failed; those per-key errors are joined into the returned error.
func (c *Client) submitBatch(ctx context.Context, op string, batch indexBatch) error {
	var result indexBatchResult
	if err := c.do(ctx, op, http.MethodPost, c.indexURL("/docs/search.index"), batch, &result); err != nil {
		return err
	}

	var errs []error
	for _, r := range result.Value {
		if !r.Status {
			errs = append(errs, fmt.Errorf("key %s: status %d: %s", r.Key, r.StatusCode, r.ErrorMessage))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}
	return nil
}

// ListDocumentIDs returns every chunk id stored for a parent document,
// reading as many pages as needed.
func (c *Client) ListDocumentIDs(ctx context.Context, parentID string) ([]string, error) {
	req := searchRequest{
		Search:  "*",
		Filter:  fmt.Sprintf("%s eq '%s'", FieldParentID, escapeODataString(parentID)),
		Select:  FieldID,
		OrderBy: FieldID,
		Top:     listPageSize,
	}

	ids := make([]string, 0)
	for {
		req.Skip = len(ids)
		var resp searchResponse
		if err := c.do(ctx, "list documents", http.MethodPost, c.indexURL("/docs/search"), req, &resp); err != nil {
			return nil, err
		}
		for _, d := range resp.Value {
			ids = append(ids, d.ID)
		}
		if len(resp.Value) < listPageSize {
			return ids, nil
		}
	}
}

// Search runs a keyword query, a vector query, or both.
func (c *Client) Search(ctx context.Context, query string, vector []float32, k int) ([]core.SearchResult, error) {
	if k <= 0 {
		k = 5
	}
	req := searchRequest{
		Search: query,
		Select: strings.Join([]string{FieldID, FieldTitle, FieldBody, FieldParentID, FieldChunkIndex}, ","),
		Top:    k,
	}
	if strings.TrimSpace(query) == "" {
		req.Search = "*"
	}
	if len(vector) > 0 {
		req.VectorQueries = []vectorQuery{{Kind: "vector", Vector: vector, Fields: FieldVector, K: k}}
	}

	var resp searchResponse
	if err := c.do(ctx, "search documents", http.MethodPost, c.indexURL("/docs/search"), req, &resp); err != nil {
		return nil, err
	}

	results := make([]core.SearchResult, 0, len(resp.Value))
	for _, d := range resp.Value {
		results = append(results, core.SearchResult{Document: d.toCore(), Score: d.SearchScore})
	}
	return results, nil
}

// escapeODataString doubles single quotes for use inside an OData literal.
func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
