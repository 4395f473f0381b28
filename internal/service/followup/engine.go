// Package followup runs trigger-activated follow-up sequences per recipient.
package followup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
	"github.com/acme/outbound-followup-engine/internal/service/sender"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
	"github.com/acme/outbound-followup-engine/pkg/logger"
)

// Engine creates activations on triggers and executes their due steps.
type Engine struct {
	sequences   repository.SequenceRepository
	activations repository.ActivationStore
	contacts    repository.ContactDirectory
	dispatches  repository.DispatchStore
	sender      sender.Sender
	clock       clock.Clock
	claimTTL    time.Duration
	log         *logger.Logger
}

// Deps groups the collaborators of the engine.
type Deps struct {
	Sequences   repository.SequenceRepository
	Activations repository.ActivationStore
	Contacts    repository.ContactDirectory
	Dispatches  repository.DispatchStore
	Sender      sender.Sender
	Clock       clock.Clock
	// ClaimTTL must match the activation store's claim expiry.
	ClaimTTL time.Duration
	Logger   *logger.Logger
}

// NewEngine constructs the follow-up engine.
func NewEngine(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.ClaimTTL <= 0 {
		d.ClaimTTL = 5 * time.Minute
	}
	return &Engine{
		sequences:   d.Sequences,
		activations: d.Activations,
		contacts:    d.Contacts,
		dispatches:  d.Dispatches,
		sender:      d.Sender,
		clock:       d.Clock,
		claimTTL:    d.ClaimTTL,
		log:         d.Logger,
	}
}

// OnTrigger activates the sequence for the recipient. created is false when an
// active activation already exists, which is then returned, or when the
// recipient has reached the sequence's follow-up limit, in which case the
// activation is nil.
func (e *Engine) OnTrigger(ctx context.Context, sequenceID uuid.UUID, recipientID string, trigger map[string]string) (*domain.Activation, bool, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, false, fmt.Errorf("%w: recipient id is required", apperrors.ErrValidation)
	}

	seq, err := e.sequences.Get(ctx, sequenceID)
	if err != nil {
		return nil, false, err
	}
	if !seq.Enabled {
		return nil, false, fmt.Errorf("%w: sequence %s is disabled", apperrors.ErrConflict, sequenceID)
	}

	active, err := e.activations.FindActive(ctx, sequenceID, recipientID)
	switch {
	case err == nil:
		return active, false, nil
	case !apperrors.Is(err, repository.ErrNotFound):
		return nil, false, fmt.Errorf("followup: find active: %w", err)
	}

	if limit := seq.Conditions.MaxFollowUpsPerRecipient; limit > 0 {
		count, err := e.activations.FollowUpCount(ctx, sequenceID, recipientID)
		if err != nil {
			return nil, false, fmt.Errorf("followup: follow-up count: %w", err)
		}
		if count >= limit {
			return nil, false, nil
		}
	}

	first, ok := seq.StepAt(1)
	if !ok {
		return nil, false, fmt.Errorf("%w: sequence %s has no steps", apperrors.ErrValidation, sequenceID)
	}
	delay, err := first.Delay()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	now := e.clock.Now().UTC()
	activation := &domain.Activation{
		ID:          uuid.New(),
		SequenceID:  sequenceID,
		RecipientID: recipientID,
		CurrentStep: 1,
		Status:      domain.ActivationScheduled,
		NextFireAt:  now.Add(delay),
		Context:     trigger,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.activations.Create(ctx, activation); err != nil {
		if apperrors.Is(err, repository.ErrConflict) {
			active, ferr := e.activations.FindActive(ctx, sequenceID, recipientID)
			if ferr == nil {
				return active, false, nil
			}
		}
		return nil, false, fmt.Errorf("followup: create activation: %w", err)
	}
	return activation, true, nil
}

// OnTriggerType activates every enabled sequence listening for the trigger.
// Keyword sequences only activate when text contains their keyword.
func (e *Engine) OnTriggerType(ctx context.Context, trigger domain.TriggerType, text, recipientID string, triggerCtx map[string]string) ([]*domain.Activation, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger type %q", apperrors.ErrValidation, trigger)
	}
	seqs, err := e.sequences.ListEnabledByTrigger(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("followup: list sequences: %w", err)
	}

	lowered := strings.ToLower(text)
	var created []*domain.Activation
	for _, seq := range seqs {
		if trigger == domain.TriggerKeyword && (seq.TriggerKeyword == "" || !strings.Contains(lowered, seq.TriggerKeyword)) {
			continue
		}
		a, ok, err := e.OnTrigger(ctx, seq.ID, recipientID, triggerCtx)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, a)
		}
	}
	return created, nil
}

// OnReply cancels every active activation of the recipient.
func (e *Engine) OnReply(ctx context.Context, recipientID string) (int, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return 0, fmt.Errorf("%w: recipient id is required", apperrors.ErrValidation)
	}
	n, err := e.activations.CancelByRecipient(ctx, recipientID, domain.CancelRecipientReplied, e.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("followup: cancel by recipient: %w", err)
	}
	return n, nil
}

// ActivationState returns the most recent activation of the sequence for the recipient.
func (e *Engine) ActivationState(ctx context.Context, sequenceID uuid.UUID, recipientID string) (*domain.Activation, error) {
	return e.activations.FindLatest(ctx, sequenceID, recipientID)
}
