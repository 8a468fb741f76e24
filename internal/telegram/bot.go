package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/hunterwarburton/qnabot/internal/activity"
	"github.com/hunterwarburton/qnabot/internal/logger"
)

// maxMessageRunes is Telegram's limit for one text message.
const maxMessageRunes = 4096

const (
	helpText = "Send me a text file and I will index it. Then ask questions about your documents." +
		"\n\nCommands:" +
		"\n/help - Show this help message" +
		"\n/reset - Clear your conversation history" +
		"\n/deleteindex - Delete the document index (admins only)"
	notAllowedText       = "Sorry, you are not allowed to use this bot."
	uploadNotAllowedText = "Sorry, you are not allowed to upload documents."
)

// API is the subset of the Telegram client the bot calls.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	FileDownloadLink(f *models.File) string
}

// TurnHandler processes one activity.
type TurnHandler interface {
	Handle(ctx context.Context, a *activity.Activity, s activity.Sender) error
}

// HistoryResetter clears a conversation's history.
type HistoryResetter interface {
	Reset(conversationID string)
}

// IndexDeleter drops the document index.
type IndexDeleter interface {
	Delete(ctx context.Context) error
}

// PolicyService defines the interface for checking user permissions.
type PolicyService interface {
	IsAllowed(userID int64) bool
	CanIngest(userID int64) bool
	CanDeleteIndex(userID int64) bool
}

// Bot adapts Telegram updates to chat activities.
type Bot struct {
	bot     *bot.Bot
	api     API
	botID   int64
	handler TurnHandler
	history HistoryResetter
	index   IndexDeleter
	policy  PolicyService
}

// NewBot creates a new bot instance.
func NewBot(token string, handler TurnHandler, history HistoryResetter, index IndexDeleter, policy PolicyService) (*Bot, error) {
	b := &Bot{
		handler: handler,
		history: history,
		index:   index,
		policy:  policy,
	}

	botAPI, err := bot.New(token, bot.WithDefaultHandler(b.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	b.bot = botAPI
	b.api = botAPI
	return b, nil
}

// Start resolves the bot's own account and polls for updates until ctx is
// canceled.
func (b *Bot) Start(ctx context.Context) {
	if me, err := b.bot.GetMe(ctx); err != nil {
		logger.TelegramWarn("Failed to get bot identity: %v", err)
	} else {
		b.botID = me.ID
		logger.TelegramInfo("Running as @%s (ID: %d)", me.Username, me.ID)
	}
	b.bot.Start(ctx)
}

// handleUpdate handles a Telegram update.
func (b *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}
	chatID := message.Chat.ID
	userID := message.From.ID

	if !b.policy.IsAllowed(userID) {
		logger.TelegramWarn("Chat[%d] User[%d]: Rejected message from user not on the allow list", chatID, userID)
		b.sendText(ctx, chatID, notAllowedText)
		return
	}

	if strings.HasPrefix(message.Text, "/") {
		b.handleCommand(ctx, message)
		return
	}

	if message.Document != nil && !b.policy.CanIngest(userID) {
		b.sendText(ctx, chatID, uploadNotAllowedText)
		return
	}

	a := b.activityFromMessage(ctx, message)
	if a == nil {
		logger.TelegramInfo("Chat[%d] User[%d]: Ignored unhandled message type.", chatID, userID)
		return
	}

	typingDone := make(chan struct{})
	go b.sendContinuousTypingAction(ctx, chatID, typingDone)
	defer close(typingDone)

	if err := b.handler.Handle(ctx, a, &chatSender{api: b.api, chatID: chatID}); err != nil {
		logger.TelegramError("Chat[%d] User[%d]: Failed to handle message: %v", chatID, userID, err)
	}
}

// activityFromMessage maps a Telegram message to an activity, or nil when
// the message carries nothing the bot handles. A document whose link cannot
// be resolved keeps an empty download URL.
func (b *Bot) activityFromMessage(ctx context.Context, message *models.Message) *activity.Activity {
	a := &activity.Activity{
		ID:             strconv.Itoa(message.ID),
		Type:           activity.TypeMessage,
		ConversationID: strconv.FormatInt(message.Chat.ID, 10),
		From:           account(message.From),
		Recipient:      activity.Account{ID: strconv.FormatInt(b.botID, 10)},
		Text:           message.Text,
	}

	switch {
	case len(message.NewChatMembers) > 0:
		a.Type = activity.TypeConversationUpdate
		for i := range message.NewChatMembers {
			a.MembersAdded = append(a.MembersAdded, account(&message.NewChatMembers[i]))
		}
	case message.Document != nil:
		a.Text = message.Caption
		a.Attachments = []activity.Attachment{
			activity.NewFileAttachment(message.Document.FileName, b.documentLink(ctx, message.Document)),
		}
	case strings.TrimSpace(message.Text) == "":
		return nil
	}
	return a
}

func (b *Bot) documentLink(ctx context.Context, doc *models.Document) string {
	file, err := b.api.GetFile(ctx, &bot.GetFileParams{FileID: doc.FileID})
	if err != nil {
		logger.TelegramWarn("Failed to resolve file %s: %v", doc.FileID, err)
		return ""
	}
	return b.api.FileDownloadLink(file)
}

func account(u *models.User) activity.Account {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}
	return activity.Account{ID: strconv.FormatInt(u.ID, 10), Name: name}
}

// handleCommand processes a command message.
func (b *Bot) handleCommand(ctx context.Context, message *models.Message) {
	command := strings.TrimPrefix(strings.Fields(message.Text)[0], "/")
	// Commands in groups may carry the bot name, as in /help@qna_bot.
	command, _, _ = strings.Cut(command, "@")
	chatID := message.Chat.ID
	userID := message.From.ID
	conversationID := strconv.FormatInt(chatID, 10)
	logger.TelegramInfo("Chat[%d] User[%d]: Received command: /%s", chatID, userID, command)

	switch command {
	case "start":
		b.sendText(ctx, chatID, activity.WelcomeText+"\n\n"+helpText)

	case "help":
		b.sendText(ctx, chatID, helpText)

	case "reset":
		b.history.Reset(conversationID)
		logger.TelegramInfo("Chat[%d]: User reset conversation history.", chatID)
		b.sendText(ctx, chatID, "Your conversation history has been reset.")

	case "deleteindex":
		if !b.policy.CanDeleteIndex(userID) {
			b.sendText(ctx, chatID, "Only admins can delete the index.")
			return
		}
		if err := b.index.Delete(ctx); err != nil {
			logger.TelegramError("Chat[%d] User[%d]: Failed to delete index: %v", chatID, userID, err)
			b.sendText(ctx, chatID, "Failed to delete the index: "+err.Error())
			return
		}
		b.sendText(ctx, chatID, "The index has been deleted.")

	default:
		logger.TelegramInfo("Chat[%d] User[%d]: Unknown command received: /%s", chatID, userID, command)
		b.sendText(ctx, chatID, "Unknown command. Try /help to see available commands.")
	}
}

func (b *Bot) sendText(ctx context.Context, chatID int64, text string) {
	if err := (&chatSender{api: b.api, chatID: chatID}).SendText(ctx, text); err != nil {
		logger.TelegramError("Chat[%d]: Failed to send message: %v", chatID, err)
	}
}

// sendContinuousTypingAction sends the typing action periodically until the done channel is closed
func (b *Bot) sendContinuousTypingAction(ctx context.Context, chatID int64, done chan struct{}) {
	ticker := time.NewTicker(4 * time.Second) // Telegram typing status lasts ~5 seconds
	defer ticker.Stop()

	for {
		b.api.SendChatAction(ctx, &bot.SendChatActionParams{
			ChatID: chatID,
			Action: models.ChatActionTyping,
		})
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// chatSender sends replies to one chat.
type chatSender struct {
	api    API
	chatID int64
}

// SendText sends text, split into several messages when it exceeds
// Telegram's length limit.
func (s *chatSender) SendText(ctx context.Context, text string) error {
	for _, part := range splitMessage(text, maxMessageRunes) {
		if _, err := s.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: s.chatID, Text: part}); err != nil {
			return fmt.Errorf("failed to send message to chat %d: %w", s.chatID, err)
		}
	}
	return nil
}

// splitMessage cuts text into parts of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		cut := len(string([]rune(text)[:limit]))
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" || len(parts) == 0 {
		parts = append(parts, text)
	}
	return parts
}
