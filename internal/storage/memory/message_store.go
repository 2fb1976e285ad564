// Package memory keeps messages and run history in-memory for development
// and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// MessageStore stores each path's latest message set and returns pseudo URIs.
type MessageStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMessageStore creates an empty in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{data: make(map[string][]byte)}
}

// SaveMessages replaces the messages stored at path.
func (s *MessageStore) SaveMessages(_ context.Context, path string, messages []scraper.Message) (string, error) {
	if messages == nil {
		messages = []scraper.Message{}
	}
	encoded, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	s.mu.Lock()
	s.data[path] = encoded
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", path), nil
}

// Messages returns a copy of the messages stored at path.
func (s *MessageStore) Messages(path string) ([]scraper.Message, bool) {
	s.mu.RLock()
	encoded, ok := s.data[path]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	var out []scraper.Message
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, false
	}
	return out, true
}

// Paths lists every stored path.
func (s *MessageStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	return out
}
