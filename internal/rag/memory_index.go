package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
)

// Ensure MemoryIndex implements the interface.
var _ core.VectorIndex = (*MemoryIndex)(nil)

// MemoryIndex is an in-process index for local runs and tests. Vector
// search is brute-force cosine similarity; keyword matching adds a small
// bonus per query term found.
type MemoryIndex struct {
	name       string
	dimensions int

	mu     sync.RWMutex
	exists bool
	docs   map[string]core.Document
}

// NewMemoryIndex creates an empty index. It must be ensured before use.
func NewMemoryIndex(name string, dimensions int) *MemoryIndex {
	if dimensions <= 0 {
		dimensions = core.DefaultEmbeddingDim
	}
	return &MemoryIndex{
		name:       name,
		dimensions: dimensions,
		docs:       make(map[string]core.Document),
	}
}

func (m *MemoryIndex) Name() string   { return m.name }
func (m *MemoryIndex) Dimension() int { return m.dimensions }

func (m *MemoryIndex) EnsureIndex(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		logger.IndexInfo("Created in-memory index %s", m.name)
	}
	m.exists = true
	return nil
}

func (m *MemoryIndex) DeleteIndex(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return fmt.Errorf("delete index %s: %w", m.name, core.ErrIndexNotFound)
	}
	m.exists = false
	m.docs = make(map[string]core.Document)
	logger.IndexInfo("Deleted in-memory index %s", m.name)
	return nil
}

// Len returns the number of stored documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Get returns a stored document by id.
func (m *MemoryIndex) Get(id string) (core.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	return doc, ok
}

func (m *MemoryIndex) UpsertDocuments(ctx context.Context, docs []core.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return fmt.Errorf("upload documents to %s: %w", m.name, core.ErrIndexNotFound)
	}

	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("upload documents: document %q has no id", doc.Title)
		}
		if doc.Action != core.ActionDelete && len(doc.Embedding) != m.dimensions {
			return fmt.Errorf("upload documents: %w: document %s has %d values, index %s expects %d",
				core.ErrDimensionMismatch, doc.ID, len(doc.Embedding), m.name, m.dimensions)
		}
	}

	for _, doc := range docs {
		if doc.Action == core.ActionDelete {
			delete(m.docs, doc.ID)
			continue
		}
		doc.Embedding = append([]float32(nil), doc.Embedding...)
		doc.Action = ""
		m.docs[doc.ID] = doc
	}
	return nil
}

func (m *MemoryIndex) DeleteDocuments(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return fmt.Errorf("delete documents from %s: %w", m.name, core.ErrIndexNotFound)
	}
	for _, id := range ids {
		delete(m.docs, id)
	}
	return nil
}

func (m *MemoryIndex) ListDocumentIDs(ctx context.Context, parentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.exists {
		return nil, fmt.Errorf("list documents in %s: %w", m.name, core.ErrIndexNotFound)
	}

	var ids []string
	for id, doc := range m.docs {
		if doc.ParentID == parentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryIndex) Search(ctx context.Context, query string, vector []float32, k int) ([]core.SearchResult, error) {
	if k <= 0 {
		k = 5
	}
	if len(vector) > 0 && len(vector) != m.dimensions {
		return nil, fmt.Errorf("search %s: %w: query has %d values, expected %d",
			m.name, core.ErrDimensionMismatch, len(vector), m.dimensions)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.exists {
		return nil, fmt.Errorf("search %s: %w", m.name, core.ErrIndexNotFound)
	}

	terms := queryTerms(query)
	results := make([]core.SearchResult, 0, len(m.docs))
	for _, doc := range m.docs {
		var score float32
		if len(vector) > 0 {
			score = cosine(vector, doc.Embedding)
		}
		if len(terms) > 0 {
			hits := keywordHits(terms, doc)
			if hits == 0 && len(vector) == 0 {
				continue
			}
			score += 0.1 * float32(hits)
		}
		out := doc
		out.Embedding = nil
		results = append(results, core.SearchResult{Document: out, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func queryTerms(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" || query == "*" {
		return nil
	}
	return strings.Fields(strings.ToLower(query))
}

func keywordHits(terms []string, doc core.Document) int {
	text := strings.ToLower(doc.Title + " " + doc.Body)
	hits := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			hits++
		}
	}
	return hits
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
