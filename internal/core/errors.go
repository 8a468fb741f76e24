package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrIndexNotFound     = errors.New("index not found")
	ErrIndexNotReady     = errors.New("index not ready")
	ErrEmptyInput        = errors.New("empty input text")
	ErrEmptyEmbedding    = errors.New("embedding response contained no vector")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrBinaryContent     = errors.New("file is not valid UTF-8 text")
)

// StatusError reports a non-success HTTP response from a remote service.
// Body carries the remote error payload so callers can surface it. Err, when
// set by the client, classifies the failure for errors.Is.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
