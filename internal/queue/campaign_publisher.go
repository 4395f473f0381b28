package queue

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// CampaignPublisher publishes campaign dispatch instructions to Kafka.
type CampaignPublisher struct {
	writer *kafka.Writer
}

// NewCampaignPublisher constructs a publisher for the given topic.
func NewCampaignPublisher(k *Kafka, topic string) *CampaignPublisher {
	return &CampaignPublisher{writer: k.NewWriter(topic)}
}

// PublishCampaign writes the dispatch message keyed by campaign id.
func (p *CampaignPublisher) PublishCampaign(ctx context.Context, msg CampaignDispatchMessage) error {
	if err := writeJSON(ctx, p.writer, msg.CampaignID[:], msg); err != nil {
		return fmt.Errorf("campaign publisher: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *CampaignPublisher) Close() error {
	return p.writer.Close()
}
