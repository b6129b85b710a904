// Package pubsub publishes job completion events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// attributer is implemented by payloads that carry Pub/Sub message attributes.
type attributer interface {
	Attributes() map[string]string
}

// Publisher publishes JSON payloads, caching one topic handle per topic id.
type Publisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewClient creates a Pub/Sub client using Application Default Credentials unless opts
// override them.
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*pubsub.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return client, nil
}

// New creates a Publisher on top of client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{client: client, topics: make(map[string]*pubsub.Topic)}
}

// CheckTopic verifies the topic exists, so misconfiguration fails at startup.
func (p *Publisher) CheckTopic(ctx context.Context, topicID string) error {
	ok, err := p.topic(topicID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !ok {
		return fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return nil
}

// Publish marshals the payload to JSON and blocks until the server acknowledges it.
func (p *Publisher) Publish(ctx context.Context, topicID string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	if a, ok := payload.(attributer); ok {
		msg.Attributes = a.Attributes()
	}

	id, err := p.topic(topicID).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) topic(topicID string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topicID]
	if !ok {
		t = p.client.Topic(topicID)
		p.topics[topicID] = t
	}
	return t
}

// Close flushes pending publishes and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
