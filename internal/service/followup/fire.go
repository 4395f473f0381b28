package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/provider"
	"github.com/acme/outbound-followup-engine/internal/repository"
	"github.com/acme/outbound-followup-engine/internal/service/template"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
	"github.com/acme/outbound-followup-engine/pkg/logger"
)

// Fire executes the due step of an activation. Losing the claim is not an
// error. Returned errors are infrastructure failures; the activation is left
// claimable again.
func (e *Engine) Fire(ctx context.Context, activationID uuid.UUID) error {
	a, ok, err := e.activations.TryClaim(ctx, activationID, e.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("followup: claim: %w", err)
	}
	if !ok {
		return nil
	}

	log := &logger.Logger{Logger: e.log.WithContext(ctx).With(
		zap.String("activation_id", a.ID.String()),
		zap.String("sequence_id", a.SequenceID.String()),
		zap.Int("step", a.CurrentStep))}

	seq, err := e.sequences.Get(ctx, a.SequenceID)
	if err != nil {
		if apperrors.Is(err, repository.ErrNotFound) {
			return e.cancel(ctx, a, domain.CancelSequenceMissing)
		}
		e.release(ctx, a, log)
		return fmt.Errorf("followup: load sequence: %w", err)
	}
	if !seq.Enabled {
		return e.cancel(ctx, a, domain.CancelSequenceDisabled)
	}

	if limit := seq.Conditions.MaxFollowUpsPerRecipient; limit > 0 {
		count, err := e.activations.FollowUpCount(ctx, a.SequenceID, a.RecipientID)
		if err != nil {
			e.release(ctx, a, log)
			return fmt.Errorf("followup: follow-up count: %w", err)
		}
		if count >= limit {
			return e.cancel(ctx, a, domain.CancelMaxFollowUps)
		}
	}

	var attrs map[string]string
	contact, err := e.contacts.FindByPhone(ctx, a.RecipientID)
	switch {
	case err == nil:
		if contact.Blocked {
			return e.cancel(ctx, a, domain.CancelRecipientBlocked)
		}
		attrs = contact.Attributes
	case !apperrors.Is(err, repository.ErrNotFound):
		e.release(ctx, a, log)
		return fmt.Errorf("followup: load contact: %w", err)
	}

	step, ok := seq.StepAt(a.CurrentStep)
	if !ok {
		return e.complete(ctx, a)
	}

	now := e.clock.Now().UTC()
	window := seq.Conditions.Window
	if !window.Contains(now) {
		next, ok := window.Next(now)
		if !ok {
			return e.cancel(ctx, a, domain.CancelWindowUnreachable)
		}
		log.Debug("outside send window, deferring", zap.Time("next_fire_at", next))
		return e.reschedule(ctx, a, next.UTC())
	}

	key := domain.DispatchKey{OwnerID: a.ID, Recipient: a.RecipientID, Step: a.CurrentStep}
	prior, err := e.dispatches.Get(ctx, key)
	switch {
	case err == nil:
		log.Info("step already dispatched, advancing")
		return e.advance(ctx, a, seq, prior.SentAt)
	case !apperrors.Is(err, repository.ErrNotFound):
		e.release(ctx, a, log)
		return fmt.Errorf("followup: check dispatch record: %w", err)
	}

	renewed, ok, err := e.activations.RenewClaim(ctx, a.ID, *a.ClaimedAt, e.clock.Now().UTC())
	if err != nil {
		e.release(ctx, a, log)
		return fmt.Errorf("followup: renew claim: %w", err)
	}
	if !ok {
		log.Info("claim lost or activation no longer running, skipping send")
		return nil
	}
	a.ClaimedAt = renewed.ClaimedAt

	// The provider call must start in the window and early enough in the claim
	// that no other worker can reclaim the activation before it is recorded.
	deadline := a.ClaimedAt.Add(e.claimTTL / 2)
	accept := func(slot time.Time) bool {
		return window.Contains(slot) && slot.Before(deadline)
	}

	msg := buildMessage(a.RecipientID, step, mergeAttributes(attrs, a.Context))
	out := e.sender.SendWithin(ctx, msg, accept)
	if out.Deferred {
		if !window.Contains(out.SentAt) {
			next, ok := window.Next(out.SentAt)
			if !ok {
				return e.cancel(ctx, a, domain.CancelWindowUnreachable)
			}
			log.Debug("throttle slot outside send window, deferring", zap.Time("next_fire_at", next))
			return e.reschedule(ctx, a, next.UTC())
		}
		log.Debug("throttle slot beyond claim, deferring", zap.Time("next_fire_at", out.SentAt))
		return e.reschedule(ctx, a, out.SentAt.UTC())
	}
	if !out.Kind.Delivered() && ctx.Err() != nil {
		e.release(ctx, a, log)
		return ctx.Err()
	}

	if _, err := e.dispatches.Record(ctx, domain.DispatchRecord{
		DispatchKey:       key,
		OwnerKind:         domain.OwnerActivation,
		Outcome:           out.Kind,
		ProviderMessageID: out.ProviderMessageID,
		Reason:            out.Reason,
		Attempts:          out.Attempts,
		SentAt:            out.SentAt,
	}); err != nil {
		return fmt.Errorf("followup: record dispatch: %w", err)
	}
	if !out.Kind.Delivered() {
		log.Warn("follow-up step failed", zap.String("outcome", string(out.Kind)), zap.String("reason", out.Reason))
	}

	return e.advance(ctx, a, seq, out.SentAt)
}

func buildMessage(to string, step domain.Step, attrs map[string]string) provider.Message {
	text := template.Render(step.Message, attrs)
	if step.TemplateName == "" {
		return provider.Message{To: to, Text: text}
	}
	msg := provider.Message{To: to, TemplateName: step.TemplateName, LanguageCode: step.LanguageCode}
	if text != "" {
		msg.Components = []provider.Component{{
			Type:       "body",
			Parameters: []provider.Parameter{{Type: "text", Text: text}},
		}}
	}
	return msg
}

func mergeAttributes(contact, trigger map[string]string) map[string]string {
	out := make(map[string]string, len(contact)+len(trigger))
	for k, v := range contact {
		out[k] = v
	}
	for k, v := range trigger {
		out[k] = v
	}
	return out
}

// advance counts the sent step and schedules the next one from sentAt, or
// completes the activation.
func (e *Engine) advance(ctx context.Context, a *domain.Activation, seq *domain.Sequence, sentAt time.Time) error {
	if sentAt.IsZero() {
		sentAt = e.clock.Now()
	}
	a.StepsSent++

	next, ok := seq.StepAt(a.CurrentStep + 1)
	if !ok {
		return e.complete(ctx, a)
	}
	delay, err := next.Delay()
	if err != nil {
		return e.cancel(ctx, a, domain.CancelSequenceMissing)
	}
	a.CurrentStep = next.Order
	return e.reschedule(ctx, a, sentAt.UTC().Add(delay))
}

func (e *Engine) reschedule(ctx context.Context, a *domain.Activation, at time.Time) error {
	a.Status = domain.ActivationScheduled
	a.NextFireAt = at
	return e.save(ctx, a)
}

func (e *Engine) complete(ctx context.Context, a *domain.Activation) error {
	a.Status = domain.ActivationCompleted
	return e.save(ctx, a)
}

func (e *Engine) cancel(ctx context.Context, a *domain.Activation, reason string) error {
	a.Status = domain.ActivationCanceled
	a.CancelReason = reason
	return e.save(ctx, a)
}

// save writes a transition and gives up the claim. A conflict means the
// activation was canceled or reclaimed concurrently, and that write wins.
func (e *Engine) save(ctx context.Context, a *domain.Activation) error {
	if err := e.transition(ctx, a); err != nil {
		if apperrors.Is(err, repository.ErrConflict) {
			return nil
		}
		return fmt.Errorf("followup: save activation: %w", err)
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, a *domain.Activation) error {
	var held time.Time
	if a.ClaimedAt != nil {
		held = *a.ClaimedAt
	}
	a.ClaimedAt = nil
	a.UpdatedAt = e.clock.Now().UTC()
	return e.activations.Transition(ctx, a, held)
}

// release hands a claimed activation back to the scheduler after an
// infrastructure failure. Failure to release is covered by claim expiry.
func (e *Engine) release(ctx context.Context, a *domain.Activation, log *logger.Logger) {
	a.Status = domain.ActivationScheduled
	if err := e.transition(context.WithoutCancel(ctx), a); err != nil && !apperrors.Is(err, repository.ErrConflict) {
		log.Warn("release claim failed", zap.Error(err))
	}
}
