package queue

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// EventPublisher publishes conversation events. Events are keyed by recipient
// so one recipient's reply and trigger events stay ordered.
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher constructs an event publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// PublishEvent emits a conversation event.
func (p *EventPublisher) PublishEvent(ctx context.Context, evt ConversationEvent) error {
	if err := writeJSON(ctx, p.writer, []byte(evt.RecipientID), evt); err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
