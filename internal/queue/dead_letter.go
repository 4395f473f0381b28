package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeadLetterPublisher parks messages that failed processing.
type DeadLetterPublisher struct {
	writer *kafka.Writer
}

// NewDeadLetterPublisher constructs a publisher for the dead-letter topic.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// Publish writes the original payload with its failure reason.
func (p *DeadLetterPublisher) Publish(ctx context.Context, source kafka.Message, cause error) error {
	letter := DeadLetter{
		Topic:    source.Topic,
		Payload:  source.Value,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		letter.Error = cause.Error()
	}
	if err := writeJSON(ctx, p.writer, source.Key, letter); err != nil {
		return fmt.Errorf("dead letter publisher: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
