package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hunterwarburton/qnabot/internal/logger"
)

// DefaultPromptName is the prompt folder used for chat turns.
const DefaultPromptName = "chat"

// charsPerToken approximates token counts for input budgeting.
const charsPerToken = 4

// HistoryStore keeps the messages of each conversation.
type HistoryStore interface {
	History(conversationID string) []Message
	Append(conversationID string, msgs ...Message)
	Reset(conversationID string)
}

// Planner answers a user turn by assembling the chat prompt, its data
// source context and the conversation history, then calling the model.
type Planner struct {
	chat       ChatService
	prompts    *PromptManager
	history    HistoryStore
	promptName string
}

// NewPlanner creates a planner using the "chat" prompt.
func NewPlanner(chat ChatService, prompts *PromptManager, history HistoryStore) *Planner {
	return &Planner{
		chat:       chat,
		prompts:    prompts,
		history:    history,
		promptName: DefaultPromptName,
	}
}

// CompletePrompt returns the model's reply to input and records the
// exchange in the conversation history.
func (p *Planner) CompletePrompt(ctx context.Context, conversationID, input string) (string, error) {
	prompt, err := p.prompts.GetPrompt(p.promptName)
	if err != nil {
		return "", err
	}

	messages := []Message{{Role: RoleSystem, Content: p.systemPrompt(ctx, prompt, input)}}
	if prompt.HistoryEnabled() {
		messages = append(messages, fitHistory(p.history.History(conversationID), prompt.Config.Completion.MaxInputTokens, messages[0].Content, input)...)
	}
	userMsg := Message{Role: RoleUser, Content: input}
	hasInput := strings.TrimSpace(input) != ""
	if prompt.InputEnabled() && hasInput {
		messages = append(messages, userMsg)
	}

	logger.LLMDebug("Conversation[%s]: sending %d messages", conversationID, len(messages))
	resp, err := p.chat.ChatCompletion(ctx, messages, prompt.Config.Completion.CompletionOptions)
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(resp.Message.Content)
	if reply == "" {
		return "", fmt.Errorf("model returned an empty reply (finish reason %q)", resp.FinishReason)
	}

	// A turn without text, such as a bare upload, records only the reply.
	if hasInput {
		p.history.Append(conversationID, userMsg, Message{Role: RoleAssistant, Content: reply})
	} else {
		p.history.Append(conversationID, Message{Role: RoleAssistant, Content: reply})
	}
	return reply, nil
}

// Reset clears the history of a conversation.
func (p *Planner) Reset(conversationID string) {
	p.history.Reset(conversationID)
}

func (p *Planner) systemPrompt(ctx context.Context, prompt *PromptTemplate, input string) string {
	var builder strings.Builder
	builder.WriteString(prompt.Text)

	names := make([]string, 0, len(prompt.Config.Augmentation.DataSources))
	for name := range prompt.Config.Augmentation.DataSources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ds, ok := p.prompts.DataSource(name)
		if !ok {
			continue
		}
		text, err := ds.RenderData(ctx, input, prompt.Config.Augmentation.DataSources[name])
		if err != nil {
			// The model still answers, only without document grounding.
			logger.LLMWarn("Data source %s failed: %v", name, err)
			continue
		}
		if text == "" {
			continue
		}
		builder.WriteString("\n\n<context source=\"" + name + "\">\n")
		builder.WriteString(text)
		builder.WriteString("\n</context>")
	}
	return builder.String()
}

// fitHistory drops the oldest exchanges until the prompt fits the input
// token budget. A budget of zero keeps everything.
func fitHistory(history []Message, maxInputTokens int, system, input string) []Message {
	if maxInputTokens <= 0 {
		return history
	}
	budget := maxInputTokens*charsPerToken - len(system) - len(input)
	used := 0
	for _, m := range history {
		used += len(m.Content)
	}
	start := 0
	for used > budget && start < len(history) {
		used -= len(history[start].Content)
		start++
	}
	// Keep the history starting on a user message.
	for start < len(history) && history[start].Role != RoleUser {
		start++
	}
	return history[start:]
}
