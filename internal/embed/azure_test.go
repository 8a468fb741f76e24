package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmbedder(t *testing.T, url string, dims int) *AzureEmbedder {
	t.Helper()
	e, err := NewAzureEmbedder(AzureConfig{
		Endpoint:        url,
		APIKey:          "openai-key",
		Deployment:      "text-embedding",
		Dimensions:      dims,
		MaxRetryElapsed: 2 * time.Second,
	})
	require.NoError(t, err)
	return e
}

func writeVector(w http.ResponseWriter, v []float32) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  []map[string]interface{}{{"embedding": v, "index": 0}},
		"usage": map[string]int{"prompt_tokens": 3, "total_tokens": 3},
	})
}

func TestEmbed_Success(t *testing.T) {
	var gotPath, gotVersion, gotKey, gotInput string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		gotKey = r.Header.Get("api-key")
		var body embeddingRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotInput = body.Input
		writeVector(w, []float32{0.1, 0.2, 0.3})
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL+"/", 3)
	v, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)
	assert.Equal(t, "/openai/deployments/text-embedding/embeddings", gotPath)
	assert.Equal(t, DefaultAPIVersion, gotVersion)
	assert.Equal(t, "openai-key", gotKey)
	assert.Equal(t, "hello world", gotInput)
	assert.Equal(t, 3, e.Dimension())
}

func TestEmbed_EmptyInputMakesNoRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeVector(w, []float32{1})
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 1)
	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := e.Embed(context.Background(), input)
		assert.ErrorIs(t, err, core.ErrEmptyInput)
	}
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestEmbed_EmptyResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no data field", `{"usage":{"total_tokens":1}}`},
		{"empty data", `{"data":[]}`},
		{"empty vector", `{"data":[{"embedding":[],"index":0}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			v, err := newTestEmbedder(t, srv.URL, 3).Embed(context.Background(), "text")
			assert.ErrorIs(t, err, core.ErrEmptyEmbedding)
			assert.Nil(t, v)
		})
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeVector(w, []float32{1, 2})
	}))
	defer srv.Close()

	_, err := newTestEmbedder(t, srv.URL, 3).Embed(context.Background(), "text")
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestEmbed_RetriesThrottling(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"429","message":"Rate limit reached"}}`))
			return
		}
		writeVector(w, []float32{1, 2, 3})
	}))
	defer srv.Close()

	v, err := newTestEmbedder(t, srv.URL, 3).Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Len(t, v, 3)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestEmbed_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"This model's maximum context length is 8192 tokens"}}`))
	}))
	defer srv.Close()

	_, err := newTestEmbedder(t, srv.URL, 3).Embed(context.Background(), "text")
	require.Error(t, err)

	var statusErr *core.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "maximum context length")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEmbed_MissingDeploymentIsNotAnIndexError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"DeploymentNotFound","message":"The API deployment for this resource does not exist."}}`))
	}))
	defer srv.Close()

	_, err := newTestEmbedder(t, srv.URL, 3).Embed(context.Background(), "text")
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrIndexNotFound)
	assert.Contains(t, err.Error(), "DeploymentNotFound")
}

func TestEmbed_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newTestEmbedder(t, srv.URL, 3).Embed(ctx, "text")
	require.Error(t, err)
}

func TestNewAzureEmbedder_Validation(t *testing.T) {
	_, err := NewAzureEmbedder(AzureConfig{Deployment: "d"})
	assert.Error(t, err)
	_, err = NewAzureEmbedder(AzureConfig{Endpoint: "http://x"})
	assert.Error(t, err)

	e, err := NewAzureEmbedder(AzureConfig{Endpoint: "http://x", Deployment: "d", RequestsPerSecond: 2})
	require.NoError(t, err)
	assert.Equal(t, core.DefaultEmbeddingDim, e.Dimension())
}
