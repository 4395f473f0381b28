package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivationStatus enumerates the runtime states of a sequence activation.
type ActivationStatus string

const (
	ActivationScheduled ActivationStatus = "scheduled"
	ActivationRunning   ActivationStatus = "running"
	ActivationCompleted ActivationStatus = "completed"
	ActivationCanceled  ActivationStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s ActivationStatus) Terminal() bool {
	return s == ActivationCompleted || s == ActivationCanceled
}

// Cancel reasons recorded on canceled activations.
const (
	CancelRecipientReplied  = "recipient_replied"
	CancelSequenceDisabled  = "sequence_disabled"
	CancelMaxFollowUps      = "max_follow_ups_reached"
	CancelRecipientBlocked  = "recipient_blocked"
	CancelSequenceMissing   = "sequence_missing"
	CancelWindowUnreachable = "send_window_unreachable"
)

// Activation is the runtime progress of one sequence applied to one recipient.
type Activation struct {
	ID           uuid.UUID
	SequenceID   uuid.UUID
	RecipientID  string
	CurrentStep  int
	Status       ActivationStatus
	NextFireAt   time.Time
	StepsSent    int
	CancelReason string
	Context      map[string]string
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
