package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
	"github.com/acme/outbound-followup-engine/pkg/logger"
)

// RunFunc runs one campaign to completion or pause.
type RunFunc func(ctx context.Context, campaignID uuid.UUID) error

// DeadLetters parks dispatch messages whose campaign run keeps failing.
type DeadLetters interface {
	Publish(ctx context.Context, source kafka.Message, cause error) error
}

// Handler runs the campaign named by a dispatch message with bounded retries.
type Handler struct {
	run         RunFunc
	deadLetters DeadLetters
	maxAttempts int
	retryBase   time.Duration
	log         *logger.Logger
}

// NewHandler constructs a handler that tries a run up to maxAttempts times
// before dead-lettering its message.
func NewHandler(run RunFunc, deadLetters DeadLetters, maxAttempts int, retryBase time.Duration, log *logger.Logger) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryBase <= 0 {
		retryBase = 2 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{run: run, deadLetters: deadLetters, maxAttempts: maxAttempts, retryBase: retryBase, log: log}
}

// Process returns nil once the offset may be committed: the run succeeded or
// the message was parked. An error means neither happened.
func (h *Handler) Process(ctx context.Context, m kafka.Message, campaignID uuid.UUID) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = h.retryBase
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(h.maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := h.run(ctx, campaignID)
		if err != nil && apperrors.Is(err, apperrors.ErrNotFound) {
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

	h.log.Warn("campaign worker: giving up on run",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("attempts", attempt),
		zap.Error(err))
	if h.deadLetters == nil {
		return fmt.Errorf("run campaign %s: %w", campaignID, err)
	}
	if err := h.deadLetters.Publish(ctx, m, err); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}
