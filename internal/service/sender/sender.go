package sender

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/provider"
	"github.com/acme/outbound-followup-engine/internal/service/concurrency"
	"github.com/acme/outbound-followup-engine/pkg/logger"
)

// Outcome is the result of one logical send, including any retry.
type Outcome struct {
	Kind              domain.OutcomeKind
	Reason            string
	ProviderMessageID string
	Attempts          int
	// SentAt is the throttle slot start of the last attempt. For a deferred
	// send it is the refused slot.
	SentAt time.Time
	// Deferred reports that the first slot was refused and nothing was sent.
	Deferred bool
}

// Sender delivers a message through the shared throttle.
type Sender interface {
	Send(ctx context.Context, msg provider.Message) Outcome
	// SendWithin sends only in throttle slots accepted by accept.
	SendWithin(ctx context.Context, msg provider.Message, accept func(slot time.Time) bool) Outcome
}

// RetryPolicy bounds the single transport retry.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// RateLimited waits on the throttle before every provider call and retries a
// transport error exactly once.
type RateLimited struct {
	provider provider.Provider
	throttle *concurrency.Throttle
	clock    clock.Clock
	retry    RetryPolicy
	log      *logger.Logger
}

// New constructs a rate-limited sender around the shared throttle.
func New(p provider.Provider, throttle *concurrency.Throttle, clk clock.Clock, retry RetryPolicy, log *logger.Logger) *RateLimited {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = 500 * time.Millisecond
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}
	return &RateLimited{provider: p, throttle: throttle, clock: clk, retry: retry, log: log}
}

func (s *RateLimited) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.BaseDelay
	b.MaxInterval = s.retry.MaxDelay
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, 1)
}

// Send never returns a Go error: every failure is folded into the Outcome.
func (s *RateLimited) Send(ctx context.Context, msg provider.Message) Outcome {
	return s.SendWithin(ctx, msg, nil)
}

// SendWithin is Send restricted to slots accept agrees to. A refused first
// slot yields a Deferred outcome; a refused retry slot ends the send with the
// transport error of the first attempt.
func (s *RateLimited) SendWithin(ctx context.Context, msg provider.Message, accept func(slot time.Time) bool) Outcome {
	policy := s.policy()
	out := Outcome{}

	for {
		slot, ok, err := s.throttle.WaitIf(ctx, accept)
		if err != nil {
			out.Kind = domain.OutcomeTransportError
			out.Reason = err.Error()
			return out
		}
		if !ok {
			if out.Attempts == 0 {
				out.Deferred = true
				out.SentAt = slot
			}
			return out
		}
		out.Attempts++
		out.SentAt = slot

		res, err := s.provider.Send(ctx, msg)
		if err == nil {
			out.Kind = domain.OutcomeAccepted
			out.Reason = ""
			out.ProviderMessageID = res.MessageID
			return out
		}

		if rej, ok := provider.IsRejected(err); ok {
			out.Kind = domain.OutcomeRejected
			out.Reason = rej.Reason()
			return out
		}

		out.Kind = domain.OutcomeTransportError
		out.Reason = err.Error()

		wait := policy.NextBackOff()
		if wait == backoff.Stop || ctx.Err() != nil {
			return out
		}
		s.log.Warn("transport error, retrying",
			zap.String("to", msg.To),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return out
		}
	}
}
