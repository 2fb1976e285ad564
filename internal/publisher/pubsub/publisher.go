// Package pubsub publishes group completion notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// NewForTopic opens a publisher for topic on client.
func NewForTopic(client *pubsub.Client, topic string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return New(client.Publisher(topic)), nil
}

// Publish marshals the payload to JSON and publishes it. Notifications also
// carry run, group and outcome attributes for subscription filters.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: Attributes(payload)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p != nil && p.publisher != nil {
		p.publisher.Stop()
	}
}

// Attributes derives message attributes from a payload.
func Attributes(payload any) map[string]string {
	attrs := make(map[string]string)
	var n scraper.Notification
	switch v := payload.(type) {
	case scraper.Notification:
		n = v
	case *scraper.Notification:
		if v == nil {
			return attrs
		}
		n = *v
	default:
		return attrs
	}
	if n.RunID != "" {
		attrs["run_id"] = n.RunID
	}
	attrs["group"] = n.Result.GroupName
	attrs["outcome"] = string(n.Result.Outcome)
	return attrs
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
