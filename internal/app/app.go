// Package app wires the bot's components from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hunterwarburton/qnabot/internal/activity"
	"github.com/hunterwarburton/qnabot/internal/auth"
	"github.com/hunterwarburton/qnabot/internal/chunker"
	"github.com/hunterwarburton/qnabot/internal/config"
	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/embed"
	"github.com/hunterwarburton/qnabot/internal/indexer"
	"github.com/hunterwarburton/qnabot/internal/llm"
	"github.com/hunterwarburton/qnabot/internal/logger"
	"github.com/hunterwarburton/qnabot/internal/rag"
	"github.com/hunterwarburton/qnabot/internal/search"
	"github.com/hunterwarburton/qnabot/internal/state"
)

// App holds the wired services.
type App struct {
	Config   *config.Config
	Index    core.VectorIndex
	Embedder core.EmbedService
	Indexer  *indexer.Indexer
	Planner  *llm.Planner
	Handler  *activity.Handler
	Policy   *auth.PolicyService

	closers []func(context.Context) error
}

// New builds every service described by cfg. cfg must already be valid.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Policy: auth.NewPolicyService(cfg.Bot.AdminUserIDs, cfg.Bot.AllowedUserIDs)}
	httpClient := &http.Client{Timeout: cfg.Bot.HTTPTimeout}

	index, err := a.newIndex(ctx, httpClient)
	if err != nil {
		return nil, err
	}
	a.Index = index

	embedder, err := embed.NewAzureEmbedder(embed.AzureConfig{
		Endpoint:          cfg.Azure.OpenAIEndpoint,
		APIKey:            cfg.Azure.OpenAIAPIKey,
		APIVersion:        cfg.Azure.OpenAIAPIVersion,
		Deployment:        cfg.Azure.EmbeddingDeployment,
		Dimensions:        cfg.Index.EmbeddingDim,
		RequestsPerSecond: cfg.Index.EmbedRPS,
		HTTPClient:        httpClient,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Embedder = embedder

	a.Indexer = indexer.New(index, embedder,
		indexer.WithChunker(chunker.New(
			chunker.WithChunkSize(cfg.Index.ChunkSize),
			chunker.WithOverlap(cfg.Index.ChunkOverlap),
		)),
		indexer.WithMaxFileBytes(cfg.Bot.MaxDownloadBytes),
	)

	chat, err := llm.NewAzureChatService(llm.AzureConfig{
		Endpoint:   cfg.Azure.OpenAIEndpoint,
		APIKey:     cfg.Azure.OpenAIAPIKey,
		APIVersion: cfg.Azure.OpenAIAPIVersion,
		Deployment: cfg.Azure.ChatDeployment,
		HTTPClient: httpClient,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	prompts := llm.NewPromptManager(cfg.Bot.PromptsDir)
	if err := prompts.AddDataSource(rag.DefaultDataSourceName, rag.NewSearchDataSource(index, embedder)); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Planner = llm.NewPlanner(chat, prompts, state.NewMemoryStorage(cfg.Bot.HistoryTurns))

	a.Handler = activity.NewHandler(a.Indexer, a.Planner,
		activity.WithHTTPClient(httpClient),
		activity.WithDownloadsDir(cfg.Bot.DownloadsDir),
		activity.WithMaxDownloadBytes(cfg.Bot.MaxDownloadBytes),
	)
	return a, nil
}

func (a *App) newIndex(ctx context.Context, httpClient *http.Client) (core.VectorIndex, error) {
	cfg := a.Config
	switch cfg.Index.Backend {
	case config.BackendAzure:
		logger.Info("Using Azure AI Search index %s at %s", cfg.Index.Name, cfg.Azure.SearchEndpoint)
		c, err := search.NewClient(search.Config{
			Endpoint:     cfg.Azure.SearchEndpoint,
			APIKey:       cfg.Azure.SearchAPIKey,
			APIVersion:   cfg.Azure.SearchAPIVersion,
			IndexName:    cfg.Index.Name,
			Dimensions:   cfg.Index.EmbeddingDim,
			ReadyTimeout: cfg.Index.ReadyTimeout,
			PollInterval: cfg.Index.PollInterval,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendMilvus:
		m, err := rag.NewMilvusIndex(ctx, rag.MilvusConfig{
			Address:      cfg.Milvus.Address,
			Collection:   cfg.Index.Name,
			Dimensions:   cfg.Index.EmbeddingDim,
			ReadyTimeout: cfg.Index.ReadyTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, m.Close)
		return m, nil
	case config.BackendMemory:
		logger.Warn("Using in-memory index %s; documents are lost on restart", cfg.Index.Name)
		return rag.NewMemoryIndex(cfg.Index.Name, cfg.Index.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

// Close releases backend connections.
func (a *App) Close(ctx context.Context) {
	for _, c := range a.closers {
		if err := c(ctx); err != nil {
			logger.Warn("Close failed: %v", err)
		}
	}
	a.closers = nil
}
