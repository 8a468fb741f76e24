// Package embedtest provides a deterministic embedder for tests.
package embedtest

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/hunterwarburton/qnabot/internal/core"
)

// Embedder hashes words into a fixed number of buckets, so texts sharing
// words get similar vectors.
type Embedder struct {
	dims int

	mu    sync.Mutex
	err   error
	calls []string
}

// New returns a fake embedder producing vectors of length dims.
func New(dims int) *Embedder {
	return &Embedder{dims: dims}
}

// FailWith makes every later call return err. Pass nil to recover.
func (e *Embedder) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Calls returns the inputs seen so far.
func (e *Embedder) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *Embedder) Dimension() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, text)
	err := e.err
	e.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil, core.ErrEmptyInput
	}
	if err != nil {
		return nil, err
	}

	v := make([]float32, e.dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(w, ".,;:!?\"'()")))
		v[int(h.Sum32())%e.dims]++
	}
	return v, nil
}
