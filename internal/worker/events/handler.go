package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/queue"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
	"github.com/acme/outbound-followup-engine/pkg/logger"
)

// Engine is the follow-up engine surface driven by conversation events.
type Engine interface {
	OnReply(ctx context.Context, recipientID string) (int, error)
	OnTrigger(ctx context.Context, sequenceID uuid.UUID, recipientID string, trigger map[string]string) (*domain.Activation, bool, error)
	OnTriggerType(ctx context.Context, trigger domain.TriggerType, text, recipientID string, triggerCtx map[string]string) ([]*domain.Activation, error)
}

// DeadLetters parks messages that cannot be processed.
type DeadLetters interface {
	Publish(ctx context.Context, source kafka.Message, cause error) error
}

// Handler applies conversation events to the engine with bounded retries.
type Handler struct {
	engine      Engine
	deadLetters DeadLetters
	maxAttempts int
	retryBase   time.Duration
	log         *logger.Logger
}

// NewHandler constructs a handler. Transient failures are retried up to
// maxAttempts times in total before the message is dead-lettered.
func NewHandler(engine Engine, deadLetters DeadLetters, maxAttempts int, retryBase time.Duration, log *logger.Logger) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{engine: engine, deadLetters: deadLetters, maxAttempts: maxAttempts, retryBase: retryBase, log: log}
}

// Process decodes and applies one Kafka message. A nil return means the
// message may be committed; an error means it was neither applied nor parked.
func (h *Handler) Process(ctx context.Context, m kafka.Message) error {
	var evt queue.ConversationEvent
	if err := json.Unmarshal(m.Value, &evt); err != nil {
		return h.park(ctx, m, fmt.Errorf("%w: decode event: %v", apperrors.ErrValidation, err))
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = h.retryBase
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(h.maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := h.Handle(ctx, evt)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	h.log.Warn("event worker: giving up on event",
		zap.String("type", string(evt.Type)),
		zap.String("recipient_id", evt.RecipientID),
		zap.Int("attempts", attempt),
		zap.Error(err))
	return h.park(ctx, m, err)
}

// Handle applies a single event once.
func (h *Handler) Handle(ctx context.Context, evt queue.ConversationEvent) error {
	switch evt.Type {
	case queue.EventReply:
		n, err := h.engine.OnReply(ctx, evt.RecipientID)
		if err != nil {
			return err
		}
		h.log.Debug("event worker: reply applied", zap.String("recipient_id", evt.RecipientID), zap.Int("canceled", n))
		return nil
	case queue.EventTrigger:
		if evt.SequenceID != nil {
			_, _, err := h.engine.OnTrigger(ctx, *evt.SequenceID, evt.RecipientID, evt.Context)
			return err
		}
		if evt.TriggerType != "" {
			_, err := h.engine.OnTriggerType(ctx, domain.TriggerType(evt.TriggerType), evt.Keyword, evt.RecipientID, evt.Context)
			return err
		}
		return fmt.Errorf("%w: trigger event needs sequence_id or trigger_type", apperrors.ErrValidation)
	default:
		return fmt.Errorf("%w: unknown event type %q", apperrors.ErrValidation, evt.Type)
	}
}

func (h *Handler) park(ctx context.Context, m kafka.Message, cause error) error {
	if h.deadLetters == nil {
		h.log.Error("event worker: dropping event", zap.Error(cause))
		return nil
	}
	if err := h.deadLetters.Publish(ctx, m, cause); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	return !(apperrors.Is(err, apperrors.ErrValidation) ||
		apperrors.Is(err, apperrors.ErrNotFound) ||
		apperrors.Is(err, apperrors.ErrConflict))
}
