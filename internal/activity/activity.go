// Package activity handles chat turns independently of the chat platform:
// attachments are downloaded and indexed, and questions are answered by the
// planner.
package activity

import (
	"context"
	"encoding/json"

	"github.com/hunterwarburton/qnabot/internal/indexer"
)

// Activity types.
const (
	TypeMessage            = "message"
	TypeConversationUpdate = "conversationUpdate"
)

// FileDownloadInfoContentType marks an attachment whose content carries a
// temporary download URL.
const FileDownloadInfoContentType = "application/vnd.microsoft.teams.file.download.info"

// Account identifies a conversation member.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Activity is one inbound event of a conversation.
type Activity struct {
	ID             string       `json:"id,omitempty"`
	Type           string       `json:"type"`
	ConversationID string       `json:"conversationId"`
	From           Account      `json:"from"`
	Recipient      Account      `json:"recipient,omitempty"`
	Text           string       `json:"text,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	MembersAdded   []Account    `json:"membersAdded,omitempty"`
}

// Attachment is a file or card attached to an activity.
type Attachment struct {
	ContentType string          `json:"contentType"`
	Name        string          `json:"name,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// FileDownloadInfo is the content of a file download attachment.
type FileDownloadInfo struct {
	DownloadURL string `json:"downloadUrl"`
	UniqueID    string `json:"uniqueId,omitempty"`
	FileType    string `json:"fileType,omitempty"`
}

// FileAttachment returns the first file download attachment, if any.
func (a *Activity) FileAttachment() *Attachment {
	for i := range a.Attachments {
		if a.Attachments[i].ContentType == FileDownloadInfoContentType {
			return &a.Attachments[i]
		}
	}
	return nil
}

// NewFileAttachment builds a file download attachment for url.
func NewFileAttachment(name, url string) Attachment {
	content, _ := json.Marshal(FileDownloadInfo{DownloadURL: url})
	return Attachment{ContentType: FileDownloadInfoContentType, Name: name, Content: content}
}

// Sender delivers replies to the conversation the activity came from.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Ingester indexes a downloaded file.
type Ingester interface {
	CreateIndexAndUploadDocument(ctx context.Context, path string) (*indexer.Result, error)
}

// Planner produces the grounded reply to a user's input.
type Planner interface {
	CompletePrompt(ctx context.Context, conversationID, input string) (string, error)
}
