package queue

import (
	"time"

	"github.com/google/uuid"
)

// CampaignDispatchMessage instructs the engine to run a campaign.
type CampaignDispatchMessage struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// EventType is the kind of conversation event.
type EventType string

const (
	EventReply   EventType = "reply"
	EventTrigger EventType = "trigger"
)

// ConversationEvent is pushed by the conversation layer.
//
// A trigger either names a SequenceID directly or a TriggerType, in which case
// every enabled sequence with that trigger is activated.
type ConversationEvent struct {
	Type        EventType         `json:"type"`
	RecipientID string            `json:"recipient_id"`
	SequenceID  *uuid.UUID        `json:"sequence_id,omitempty"`
	TriggerType string            `json:"trigger_type,omitempty"`
	Keyword     string            `json:"keyword,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Attempt     int               `json:"attempt"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// DeadLetter wraps an event that could not be processed.
type DeadLetter struct {
	Topic    string    `json:"topic"`
	Payload  []byte    `json:"payload"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}
