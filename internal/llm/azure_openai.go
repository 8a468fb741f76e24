package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
)

// Ensure AzureChatService implements the interface.
var _ ChatService = (*AzureChatService)(nil)

const DefaultAPIVersion = "2024-10-21"

// AzureConfig configures the chat client.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
	HTTPClient *http.Client
}

// AzureChatService implements chat completions against an Azure OpenAI
// deployment.
type AzureChatService struct {
	url        string
	apiKey     string
	deployment string
	httpClient *http.Client
}

// AzureError represents an error response from the Azure OpenAI API.
type AzureError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type chatRequest struct {
	Messages []Message `json:"messages"`
	CompletionOptions
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int     `json:"index"`
		FinishReason string  `json:"finish_reason"`
		Message      Message `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewAzureChatService creates a new instance of AzureChatService.
func NewAzureChatService(cfg AzureConfig) (*AzureChatService, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("llm: endpoint is required")
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("llm: chat deployment is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout: 120 * time.Second,
		}
	}

	return &AzureChatService{
		url: fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(cfg.Endpoint, "/"), url.PathEscape(cfg.Deployment), url.QueryEscape(cfg.APIVersion)),
		apiKey:     cfg.APIKey,
		deployment: cfg.Deployment,
		httpClient: cfg.HTTPClient,
	}, nil
}

// ChatCompletion sends messages and returns the first choice.
func (s *AzureChatService) ChatCompletion(ctx context.Context, messages []Message, opts CompletionOptions) (*ChatResponse, error) {
	jsonData, err := json.Marshal(chatRequest{Messages: messages, CompletionOptions: opts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	logger.LLMInfo("Sending request to deployment '%s' with %d messages.", s.deployment, len(messages))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.LLMError("Failed to send HTTP request to deployment '%s': %v", s.deployment, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := &core.StatusError{Op: "chat completion", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		var azureErr AzureError
		if err := json.Unmarshal(body, &azureErr); err == nil && azureErr.Error.Message != "" {
			statusErr.Body = fmt.Sprintf("%s (code: %s)", azureErr.Error.Message, azureErr.Error.Code)
		}
		logger.LLMError("%v", statusErr)
		return nil, statusErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		logger.LLMError("Failed to decode success response: %v", err)
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	choice := parsed.Choices[0]
	logger.LLMInfo("Usage - Prompt: %d, Completion: %d, Total: %d tokens. Finish Reason: %s",
		parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, parsed.Usage.TotalTokens, choice.FinishReason)

	preview := choice.Message.Content
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	logger.LLMDebug("Response: \"%s\"", preview)

	return &ChatResponse{
		Message:      choice.Message,
		FinishReason: choice.FinishReason,
		TotalTokens:  parsed.Usage.TotalTokens,
	}, nil
}
