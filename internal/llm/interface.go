package llm

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions are the sampling settings sent with a request. Unset
// values are omitted so the deployment defaults apply. Temperature and TopP
// are pointers because zero is a meaningful setting that differs from the
// service default.
type CompletionOptions struct {
	MaxTokens        int      `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature"`
	TopP             *float64 `json:"top_p,omitempty" yaml:"top_p"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty" yaml:"presence_penalty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty" yaml:"frequency_penalty"`
}

// Float returns a pointer to v, for CompletionOptions fields.
func Float(v float64) *float64 { return &v }

// ChatResponse represents a response from the chat model.
type ChatResponse struct {
	Message      Message
	FinishReason string
	TotalTokens  int
}

// ChatService defines the common interface for chat model services.
type ChatService interface {
	ChatCompletion(ctx context.Context, messages []Message, opts CompletionOptions) (*ChatResponse, error)
}

// DataSource supplies extra context for a prompt. RenderData returns text
// for input that fits within maxTokens.
type DataSource interface {
	Name() string
	RenderData(ctx context.Context, input string, maxTokens int) (string, error)
}
