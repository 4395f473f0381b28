package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/domain"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation or a write against a terminal row.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
	Set(ctx context.Context, campaignID uuid.UUID, stats domain.CampaignStats) error
}

// RecipientRepository stores the resolved, ordered recipient list of a campaign.
type RecipientRepository interface {
	BulkInsert(ctx context.Context, campaignID uuid.UUID, recipients []domain.Recipient) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, afterPosition, limit int) ([]domain.Recipient, error)
}

// ContactDirectory is the read-only contact and list boundary.
type ContactDirectory interface {
	ResolveList(ctx context.Context, listID uuid.UUID) ([]domain.Contact, error)
	FindByPhone(ctx context.Context, phone string) (*domain.Contact, error)
}

// TemplateRepository is the read-only template boundary. An empty language
// matches any language.
type TemplateRepository interface {
	Get(ctx context.Context, name, language string) (*domain.Template, error)
}

// SequenceRepository persists sequences and their steps.
type SequenceRepository interface {
	Save(ctx context.Context, sequence *domain.Sequence) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Sequence, error)
	List(ctx context.Context) ([]*domain.Sequence, error)
	ListEnabledByTrigger(ctx context.Context, trigger domain.TriggerType) ([]*domain.Sequence, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, at time.Time) error
}

// ActivationStore is the durable state of follow-up activations.
type ActivationStore interface {
	// Create inserts a new activation. ErrConflict means an active one already
	// exists for the (sequence, recipient) pair.
	Create(ctx context.Context, activation *domain.Activation) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Activation, error)
	FindActive(ctx context.Context, sequenceID uuid.UUID, recipientID string) (*domain.Activation, error)
	FindLatest(ctx context.Context, sequenceID uuid.UUID, recipientID string) (*domain.Activation, error)
	// LoadDue returns scheduled activations with next fire at or before now,
	// plus running activations whose claim has gone stale.
	LoadDue(ctx context.Context, now time.Time, limit int) ([]domain.Activation, error)
	// LoadUpcoming returns scheduled activations firing at or before until.
	LoadUpcoming(ctx context.Context, until time.Time, limit int) ([]domain.Activation, error)
	// Save is an atomic upsert. It never overwrites a terminal row and
	// returns ErrConflict instead.
	Save(ctx context.Context, activation *domain.Activation) error
	// TryClaim moves a due activation to running. ok is false when another
	// worker holds it or it is no longer due.
	TryClaim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Activation, bool, error)
	// RenewClaim moves the claim held since claimedAt to now. ok is false when
	// the activation is no longer running under that claim.
	RenewClaim(ctx context.Context, id uuid.UUID, claimedAt, now time.Time) (*domain.Activation, bool, error)
	// Transition writes the activation only while it is still running under
	// the claim held since claimedAt, and returns ErrConflict otherwise.
	Transition(ctx context.Context, activation *domain.Activation, claimedAt time.Time) error
	CancelByRecipient(ctx context.Context, recipientID, reason string, at time.Time) (int, error)
	CancelBySequence(ctx context.Context, sequenceID uuid.UUID, reason string, at time.Time) (int, error)
	// FollowUpCount is the number of steps sent to the recipient by the sequence
	// across all of its activations.
	FollowUpCount(ctx context.Context, sequenceID uuid.UUID, recipientID string) (int, error)
}

// DispatchStore persists idempotency records for every send slot.
type DispatchStore interface {
	// Record inserts the record unless one exists for the key. inserted is
	// false when a record was already present.
	Record(ctx context.Context, record domain.DispatchRecord) (inserted bool, err error)
	Get(ctx context.Context, key domain.DispatchKey) (*domain.DispatchRecord, error)
	Tally(ctx context.Context, ownerID uuid.UUID) (domain.DispatchTally, error)
	List(ctx context.Context, ownerID uuid.UUID, limit int, pagingState []byte) ([]domain.DispatchRecord, []byte, error)
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	TotalDelta  int64
	SentDelta   int64
	FailedDelta int64
}
