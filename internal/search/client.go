// Package search is a REST client for an Azure AI Search index holding the
// uploaded documents and their vectors.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
)

// Ensure Client implements the interface.
var _ core.VectorIndex = (*Client)(nil)

const (
	DefaultAPIVersion   = "2024-07-01"
	DefaultReadyTimeout = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond

	// The service rejects indexing batches above 1000 documents or 16 MB.
	DefaultMaxBatchDocuments = 1000
	DefaultMaxBatchBytes     = 8 << 20

	// maxErrorBody bounds how much of a remote error payload is kept.
	maxErrorBody = 64 << 10
)

// Config configures the search client.
type Config struct {
	Endpoint     string
	APIKey       string
	APIVersion   string
	IndexName    string
	Dimensions   int
	ReadyTimeout time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client

	// MaxBatchDocuments and MaxBatchBytes bound one indexing request.
	MaxBatchDocuments int
	MaxBatchBytes     int
}

// Client talks to one index of an Azure AI Search service.
type Client struct {
	endpoint     string
	apiKey       string
	apiVersion   string
	indexName    string
	dimensions   int
	readyTimeout time.Duration
	pollInterval time.Duration
	httpClient   *http.Client

	maxBatchDocs  int
	maxBatchBytes int
}

// NewClient creates a new search client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("search: endpoint is required")
	}
	if cfg.IndexName == "" {
		return nil, fmt.Errorf("search: index name is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = core.DefaultEmbeddingDim
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.MaxBatchDocuments <= 0 || cfg.MaxBatchDocuments > DefaultMaxBatchDocuments {
		cfg.MaxBatchDocuments = DefaultMaxBatchDocuments
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}

	return &Client{
		endpoint:     cfg.Endpoint,
		apiKey:       cfg.APIKey,
		apiVersion:   cfg.APIVersion,
		indexName:    cfg.IndexName,
		dimensions:   cfg.Dimensions,
		readyTimeout: cfg.ReadyTimeout,
		pollInterval: cfg.PollInterval,
		httpClient:   cfg.HTTPClient,

		maxBatchDocs:  cfg.MaxBatchDocuments,
		maxBatchBytes: cfg.MaxBatchBytes,
	}, nil
}

// Name returns the index name.
func (c *Client) Name() string { return c.indexName }

// Dimension returns the vector dimension declared in the index schema.
func (c *Client) Dimension() int { return c.dimensions }

// EnsureIndex submits the schema with create-or-update semantics and then
// waits for the index to answer stats requests.
func (c *Client) EnsureIndex(ctx context.Context) error {
	schema := NewIndexSchema(c.indexName, c.dimensions)
	if err := c.do(ctx, "create index", http.MethodPut, c.indexURL(""), schema, nil); err != nil {
		return err
	}
	logger.IndexInfo("Index %s created or updated, waiting for it to become ready", c.indexName)
	return c.waitReady(ctx)
}

// waitReady polls the index statistics endpoint until it succeeds or the
// ready timeout elapses. Client errors other than 404 stop the polling.
func (c *Client) waitReady(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollInterval
	bo.MaxInterval = 4 * c.pollInterval
	bo.MaxElapsedTime = c.readyTimeout

	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, "index stats", http.MethodGet, c.indexURL("/stats"), nil, nil)
		if err == nil {
			return nil
		}
		if rejected(err) {
			return backoff.Permanent(err)
		}
		logger.IndexDebug("Index %s not ready (attempt %d): %v", c.indexName, attempt, err)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rejected(err) {
			return err
		}
		return fmt.Errorf("%w: %s after %v: %v", core.ErrIndexNotReady, c.indexName, c.readyTimeout, err)
	}
	logger.IndexDebug("Index %s ready after %d attempt(s)", c.indexName, attempt)
	return nil
}

// rejected reports a response that polling cannot fix, such as a bad key.
// A 404 is expected while a new index propagates.
func rejected(err error) bool {
	var statusErr *core.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode != http.StatusNotFound && !statusErr.Retryable()
}

// DeleteIndex deletes the index. A missing index is reported as an error
// that matches core.ErrIndexNotFound.
func (c *Client) DeleteIndex(ctx context.Context) error {
	if err := c.do(ctx, "delete index", http.MethodDelete, c.indexURL(""), nil, nil); err != nil {
		return err
	}
	logger.IndexInfo("Deleted index %s", c.indexName)
	return nil
}

func (c *Client) indexURL(suffix string) string {
	return fmt.Sprintf("%s/indexes('%s')%s?api-version=%s",
		c.endpoint, url.PathEscape(c.indexName), suffix, url.QueryEscape(c.apiVersion))
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. Non-2xx responses become *core.StatusError carrying the body; a
// 404 also matches core.ErrIndexNotFound.
func (c *Client) do(ctx context.Context, op, method, uri string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to send request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &core.StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		if resp.StatusCode == http.StatusNotFound {
			statusErr.Err = core.ErrIndexNotFound
		}
		return statusErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
	}
	return nil
}
