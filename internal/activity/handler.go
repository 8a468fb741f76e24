package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hunterwarburton/qnabot/internal/logger"
)

// Reply texts.
const (
	WelcomeText        = "How can I help you today?"
	MissingURLText     = "Can not retrieve the downloadUrl"
	DownloadFailedText = "File download failed. Reason: "
	ModelFailureText   = "Sorry, I could not generate an answer right now."
)

const (
	DefaultDownloadsDir     = "Files"
	DefaultMaxDownloadBytes = 10 << 20

	// maxReasonBytes bounds how much of a failed download's body is quoted.
	maxReasonBytes = 1 << 10
)

// Handler processes chat turns. It holds no global state; every
// collaborator is passed in.
type Handler struct {
	ingester         Ingester
	planner          Planner
	httpClient       *http.Client
	downloadsDir     string
	maxDownloadBytes int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the client used to download attachments.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.httpClient = c }
}

// WithDownloadsDir sets the scratch directory for downloaded files.
func WithDownloadsDir(dir string) Option {
	return func(h *Handler) { h.downloadsDir = dir }
}

// WithMaxDownloadBytes limits the size of downloaded attachments.
func WithMaxDownloadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxDownloadBytes = n
		}
	}
}

// NewHandler creates a turn handler.
func NewHandler(ingester Ingester, planner Planner, opts ...Option) *Handler {
	h := &Handler{
		ingester:         ingester,
		planner:          planner,
		httpClient:       &http.Client{Timeout: 600 * time.Second},
		downloadsDir:     DefaultDownloadsDir,
		maxDownloadBytes: DefaultMaxDownloadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle dispatches an activity by type. Unknown types are ignored.
func (h *Handler) Handle(ctx context.Context, a *Activity, s Sender) error {
	switch a.Type {
	case TypeMessage:
		return h.OnMessage(ctx, a, s)
	case TypeConversationUpdate:
		return h.OnMembersAdded(ctx, a, s)
	default:
		logger.Debug("Ignoring activity of type %q", a.Type)
		return nil
	}
}

// OnMembersAdded welcomes every added member except the bot itself.
func (h *Handler) OnMembersAdded(ctx context.Context, a *Activity, s Sender) error {
	for _, m := range a.MembersAdded {
		if m.ID == a.Recipient.ID {
			continue
		}
		if err := s.SendText(ctx, WelcomeText); err != nil {
			return err
		}
	}
	return nil
}

// OnMessage indexes an attached file, if there is one, and then passes the
// turn to the planner, even when the text is blank. Attachment problems and
// indexing failures are replied to the user and end the turn. Only errors
// sending replies are returned.
func (h *Handler) OnMessage(ctx context.Context, a *Activity, s Sender) error {
	if att := a.FileAttachment(); att != nil {
		done, err := h.ingestAttachment(ctx, att, s)
		if err != nil || done {
			return err
		}
	}

	reply, err := h.planner.CompletePrompt(ctx, a.ConversationID, strings.TrimSpace(a.Text))
	if err != nil {
		logger.Error("Conversation[%s]: completion failed: %v", a.ConversationID, err)
		return s.SendText(ctx, ModelFailureText)
	}
	return s.SendText(ctx, reply)
}

// ingestAttachment downloads and indexes att. done reports that the turn
// ended with an error reply.
func (h *Handler) ingestAttachment(ctx context.Context, att *Attachment, s Sender) (done bool, err error) {
	var info FileDownloadInfo
	if len(att.Content) > 0 {
		if err := json.Unmarshal(att.Content, &info); err != nil {
			logger.Warn("Malformed file attachment content: %v", err)
		}
	}
	if strings.TrimSpace(info.DownloadURL) == "" {
		return true, s.SendText(ctx, MissingURLText)
	}

	path, err := h.download(ctx, info.DownloadURL, att.Name)
	if err != nil {
		logger.Warn("Download of %s failed: %v", att.Name, err)
		return true, s.SendText(ctx, DownloadFailedText+downloadReason(err))
	}

	res, err := h.ingester.CreateIndexAndUploadDocument(ctx, path)
	if err != nil {
		logger.Error("Indexing %s failed: %v", path, err)
		return true, s.SendText(ctx, fmt.Sprintf("Failed to index %s: %v", filepath.Base(path), err))
	}

	return false, s.SendText(ctx, fmt.Sprintf("Indexed %s (%d chunk(s)).", res.Title, res.Chunks))
}

// downloadError is a non-success response from the download URL.
type downloadError struct {
	StatusCode int
	Body       string
}

func (e *downloadError) Error() string {
	return fmt.Sprintf("download returned status %d: %s", e.StatusCode, e.Body)
}

func downloadReason(err error) string {
	var de *downloadError
	if errors.As(err, &de) {
		if de.Body != "" {
			return de.Body
		}
		return http.StatusText(de.StatusCode)
	}
	return err.Error()
}

// download fetches url into the downloads directory under the base name of
// name, replacing an earlier file of the same name.
func (h *Handler) download(ctx context.Context, url, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid download URL: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonBytes))
		return "", &downloadError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxDownloadBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read download: %w", err)
	}
	if int64(len(data)) > h.maxDownloadBytes {
		return "", fmt.Errorf("file is larger than %d bytes", h.maxDownloadBytes)
	}

	if err := os.MkdirAll(h.downloadsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", h.downloadsDir, err)
	}
	path := filepath.Join(h.downloadsDir, SafeFileName(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	logger.Info("Saved %d bytes to %s", len(data), path)
	return path, nil
}

// SafeFileName strips directories from an attachment name so it cannot
// escape the downloads directory.
func SafeFileName(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == "" {
		return "attachment"
	}
	return base
}
