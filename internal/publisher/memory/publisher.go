// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Publisher stores published payloads as their JSON wire form.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID    string
	Topic string
	Data  []byte
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes the payload and returns a pseudo ID. Payloads that cannot
// be encoded fail the same way they would on a real topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Notifications decodes every recorded group notification.
func (p *Publisher) Notifications() ([]scraper.Notification, error) {
	msgs := p.Messages()
	out := make([]scraper.Notification, 0, len(msgs))
	for _, m := range msgs {
		var n scraper.Notification
		if err := json.Unmarshal(m.Data, &n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.ID, err)
		}
		out = append(out, n)
	}
	return out, nil
}
