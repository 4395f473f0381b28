package domain

import (
	"time"

	"github.com/google/uuid"
)

// OwnerKind distinguishes what a dispatch record belongs to.
type OwnerKind string

const (
	OwnerCampaign   OwnerKind = "campaign"
	OwnerActivation OwnerKind = "activation"
)

// CampaignStep is the only step of a campaign send.
const CampaignStep = 1

// OutcomeKind is the result class of one provider call.
type OutcomeKind string

const (
	OutcomeAccepted       OutcomeKind = "accepted"
	OutcomeRejected       OutcomeKind = "rejected"
	OutcomeTransportError OutcomeKind = "transport_error"
)

// Delivered reports whether the provider accepted the message.
func (k OutcomeKind) Delivered() bool { return k == OutcomeAccepted }

// DispatchKey identifies exactly one delivery attempt slot.
type DispatchKey struct {
	OwnerID   uuid.UUID
	Recipient string
	Step      int
}

// DispatchRecord is the idempotency marker for one (owner, recipient, step).
type DispatchRecord struct {
	DispatchKey
	OwnerKind         OwnerKind
	Outcome           OutcomeKind
	ProviderMessageID string
	Reason            string
	Attempts          int
	SentAt            time.Time
}

// DispatchTally summarizes records of one owner.
type DispatchTally struct {
	Accepted int64
	Failed   int64
}
