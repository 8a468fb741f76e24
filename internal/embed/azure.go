// Package embed produces text embeddings through an Azure OpenAI deployment.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
	"golang.org/x/time/rate"
)

// Ensure AzureEmbedder implements the interface.
var _ core.EmbedService = (*AzureEmbedder)(nil)

const (
	DefaultAPIVersion = "2024-10-21"

	defaultMaxRetryElapsed = 30 * time.Second
	maxErrorBody           = 64 << 10
)

// AzureConfig configures the embedding client.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
	Dimensions int
	// RequestsPerSecond throttles outgoing calls. Zero or less means no limit.
	RequestsPerSecond float64
	// MaxRetryElapsed bounds retries of throttled and failed calls.
	MaxRetryElapsed time.Duration
	HTTPClient      *http.Client
}

// AzureEmbedder calls the embeddings endpoint of one deployment.
type AzureEmbedder struct {
	url             string
	apiKey          string
	dimensions      int
	maxRetryElapsed time.Duration
	limiter         *rate.Limiter
	httpClient      *http.Client
}

type embeddingRequest struct {
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// NewAzureEmbedder creates a new embedding client.
func NewAzureEmbedder(cfg AzureConfig) (*AzureEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embed: endpoint is required")
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("embed: deployment is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = core.DefaultEmbeddingDim
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = defaultMaxRetryElapsed
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &AzureEmbedder{
		url: fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
			strings.TrimRight(cfg.Endpoint, "/"), url.PathEscape(cfg.Deployment), url.QueryEscape(cfg.APIVersion)),
		apiKey:          cfg.APIKey,
		dimensions:      cfg.Dimensions,
		maxRetryElapsed: cfg.MaxRetryElapsed,
		limiter:         rate.NewLimiter(limit, 1),
		httpClient:      cfg.HTTPClient,
	}, nil
}

// Dimension returns the vector length every embedding must have.
func (e *AzureEmbedder) Dimension() int { return e.dimensions }

// Embed returns the embedding of text. Blank input is rejected without a
// network call, and a response without a vector is an error.
func (e *AzureEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.ErrEmptyInput
	}

	body, err := json.Marshal(embeddingRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("embed: failed to marshal request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = e.maxRetryElapsed

	var resp embeddingResponse
	attempt := 0
	op := func() error {
		attempt++
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp = embeddingResponse{}
		err := e.post(ctx, body, &resp)
		var statusErr *core.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Debug("Embedding attempt %d failed: %v", attempt, err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		logger.Error("Embedding request failed after %d attempt(s): %v", attempt, err)
		return nil, err
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, core.ErrEmptyEmbedding
	}
	vector := resp.Data[0].Embedding
	if len(vector) != e.dimensions {
		return nil, fmt.Errorf("%w: got %d values, expected %d", core.ErrDimensionMismatch, len(vector), e.dimensions)
	}

	logger.Debug("Created embedding with %d dimensions (%d tokens)", len(vector), resp.Usage.TotalTokens)
	return vector, nil
}

func (e *AzureEmbedder) post(ctx context.Context, body []byte, out *embeddingResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("embed: failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embed: failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &core.StatusError{Op: "embed", StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("embed: failed to decode response: %w", err))
	}
	return nil
}
