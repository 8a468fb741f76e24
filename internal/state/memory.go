// Package state keeps per-conversation chat history in memory.
package state

import (
	"sync"

	"github.com/hunterwarburton/qnabot/internal/llm"
)

// DefaultMaxTurns is how many user/assistant exchanges are kept.
const DefaultMaxTurns = 10

// MemoryStorage stores history per conversation id. History is lost on
// restart.
type MemoryStorage struct {
	maxTurns int

	mu      sync.Mutex
	history map[string][]llm.Message
}

// NewMemoryStorage keeps at most maxTurns exchanges per conversation.
func NewMemoryStorage(maxTurns int) *MemoryStorage {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &MemoryStorage{
		maxTurns: maxTurns,
		history:  make(map[string][]llm.Message),
	}
}

// History returns a copy of the stored messages, oldest first.
func (s *MemoryStorage) History(conversationID string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history[conversationID]...)
}

// Append adds messages and drops the oldest beyond the turn limit.
func (s *MemoryStorage) Append(conversationID string, msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[conversationID], msgs...)
	if max := 2 * s.maxTurns; len(h) > max {
		h = append([]llm.Message(nil), h[len(h)-max:]...)
	}
	s.history[conversationID] = h
}

// Reset forgets a conversation.
func (s *MemoryStorage) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, conversationID)
}
