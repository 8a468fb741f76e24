// Package server exposes the chat turn handler and the indexer over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hunterwarburton/qnabot/internal/activity"
	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/hunterwarburton/qnabot/internal/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// TurnHandler processes one activity.
type TurnHandler interface {
	Handle(ctx context.Context, a *activity.Activity, s activity.Sender) error
}

// IndexDeleter drops the document index.
type IndexDeleter interface {
	Delete(ctx context.Context) error
}

// Config holds the HTTP surface settings.
type Config struct {
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken         string
	DownloadsDir     string
	MaxDownloadBytes int64
}

// Server routes HTTP requests to the bot's components.
type Server struct {
	echo     *echo.Echo
	cfg      Config
	handler  TurnHandler
	ingester activity.Ingester
	index    IndexDeleter
}

// New creates a server with its routes registered.
func New(cfg Config, handler TurnHandler, ingester activity.Ingester, index IndexDeleter) *Server {
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = activity.DefaultDownloadsDir
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = activity.DefaultMaxDownloadBytes
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, cfg: cfg, handler: handler, ingester: ingester, index: index}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.HTTPError("%s %s -> %d (%s): %v", v.Method, v.URI, v.Status, v.Latency, v.Error)
			} else {
				logger.HTTPInfo("%s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency)
			}
			return nil
		},
	}))

	s.echo.GET("/healthz", s.health)

	api := s.echo.Group("/api")
	if s.cfg.APIToken != "" {
		api.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIToken)) == 1, nil
		}))
	}
	api.POST("/messages", s.postMessage)
	api.POST("/documents", s.postDocument)
	api.DELETE("/index", s.deleteIndex)
}

// ServeHTTP lets the server be mounted or tested as a plain http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	logger.Info("HTTP server listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// MessageResponse carries the replies a turn produced.
type MessageResponse struct {
	ConversationID string   `json:"conversationId"`
	Replies        []string `json:"replies"`
}

// replyCollector is a Sender that buffers replies for the HTTP response.
type replyCollector struct {
	mu      sync.Mutex
	replies []string
}

func (r *replyCollector) SendText(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (s *Server) postMessage(c echo.Context) error {
	var a activity.Activity
	if err := c.Bind(&a); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
	}
	if a.Type == "" {
		a.Type = activity.TypeMessage
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ConversationID == "" {
		a.ConversationID = uuid.NewString()
	}

	replies := &replyCollector{replies: []string{}}
	if err := s.handler.Handle(c.Request().Context(), &a, replies); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, MessageResponse{ConversationID: a.ConversationID, Replies: replies.replies})
}

// postDocument indexes a file uploaded as the multipart field "file".
func (s *Server) postDocument(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing form file \"file\""})
	}
	if fh.Size > s.cfg.MaxDownloadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": fmt.Sprintf("file is larger than %d bytes", s.cfg.MaxDownloadBytes)})
	}

	src, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	defer src.Close()

	path, err := s.saveUpload(fh.Filename, src)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	res, err := s.ingester.CreateIndexAndUploadDocument(c.Request().Context(), path)
	if err != nil {
		return c.JSON(ingestStatus(err), echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) saveUpload(name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.DownloadsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", s.cfg.DownloadsDir, err)
	}
	path := filepath.Join(s.cfg.DownloadsDir, activity.SafeFileName(name))
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	return path, nil
}

// ingestStatus maps indexing errors caused by the upload itself to 422.
func ingestStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrBinaryContent), errors.Is(err, core.ErrEmptyInput):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) deleteIndex(c echo.Context) error {
	if err := s.index.Delete(c.Request().Context()); err != nil {
		if errors.Is(err, core.ErrIndexNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}
