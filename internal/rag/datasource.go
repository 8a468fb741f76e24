package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
)

// DefaultDataSourceName is the name prompts use to request document context.
const DefaultDataSourceName = "azure-ai-search"

// SearchDataSource retrieves document chunks relevant to the user's input.
type SearchDataSource struct {
	name     string
	index    core.VectorIndex
	embedder core.EmbedService
	topK     int
}

// DataSourceOption configures a SearchDataSource.
type DataSourceOption func(*SearchDataSource)

// WithName overrides the data source name.
func WithName(name string) DataSourceOption {
	return func(s *SearchDataSource) { s.name = name }
}

// WithTopK sets how many chunks are retrieved per query.
func WithTopK(k int) DataSourceOption {
	return func(s *SearchDataSource) {
		if k > 0 {
			s.topK = k
		}
	}
}

// NewSearchDataSource creates a data source over index.
func NewSearchDataSource(index core.VectorIndex, embedder core.EmbedService, opts ...DataSourceOption) *SearchDataSource {
	s := &SearchDataSource{
		name:     DefaultDataSourceName,
		index:    index,
		embedder: embedder,
		topK:     3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SearchDataSource) Name() string { return s.name }

// RenderData returns the context text for input, bounded by maxTokens. A
// missing index yields no context rather than an error, so questions can be
// answered before anything was uploaded.
func (s *SearchDataSource) RenderData(ctx context.Context, input string, maxTokens int) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", nil
	}

	vector, err := s.embedder.Embed(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%s: failed to embed query: %w", s.name, err)
	}

	results, err := s.index.Search(ctx, input, vector, s.topK)
	if err != nil {
		if errors.Is(err, core.ErrIndexNotFound) {
			logger.IndexDebug("%s: index %s does not exist yet", s.name, s.index.Name())
			return "", nil
		}
		return "", fmt.Errorf("%s: search failed: %w", s.name, err)
	}

	logger.IndexDebug("%s: %d result(s) for %q", s.name, len(results), input)
	return FormatSearchResults(results, maxTokens*CharsPerToken), nil
}
