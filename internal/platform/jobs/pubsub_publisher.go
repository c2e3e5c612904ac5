package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/cartengine/internal/domain"
)

// PubSubCartEventPublisher publishes cart lifecycle events to a Pub/Sub topic.
type PubSubCartEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

type cartEventMessage struct {
	Type       string    `json:"type"`
	CartKey    string    `json:"cartKey"`
	SourceKey  string    `json:"sourceKey,omitempty"`
	ItemCount  int       `json:"itemCount"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewPubSubCartEventPublisher publishes to topic with message ordering enabled, keyed by cart, so
// subscribers see one cart's events in the order they happened.
func NewPubSubCartEventPublisher(topic *pubsub.Topic) (*PubSubCartEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub cart event publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubCartEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishCartEvent sends the event and waits for the server acknowledgement.
func (p *PubSubCartEventPublisher) PublishCartEvent(ctx context.Context, event domain.CartEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub cart event publisher: not initialised")
	}

	data, err := p.marshal(cartEventMessage{
		Type:       event.Type,
		CartKey:    event.CartKey,
		SourceKey:  event.SourceKey,
		ItemCount:  event.ItemCount,
		OccurredAt: event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal cart event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "cartKey", event.CartKey)

	key := strings.TrimSpace(event.CartKey)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: key,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses its ordering key until resumed.
		if key != "" {
			p.topic.ResumePublish(key)
		}
		return fmt.Errorf("publish cart event: %w", err)
	}
	return nil
}

// Stop flushes pending messages and releases the topic's publishing goroutines.
func (p *PubSubCartEventPublisher) Stop() {
	if p == nil || p.topic == nil {
		return
	}
	p.topic.Stop()
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
