package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/provider"
	"github.com/acme/outbound-followup-engine/internal/provider/mock"
	"github.com/acme/outbound-followup-engine/internal/service/concurrency"
)

func newTestSender(fake *clock.Fake, rec *mock.Recorder) *RateLimited {
	throttle := concurrency.NewThrottle(time.Second, fake)
	return New(rec, throttle, fake, RetryPolicy{BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second}, nil)
}

func TestSendAccepted(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	rec := mock.NewRecorder(fake.Now)
	s := newTestSender(fake, rec)

	out := s.Send(context.Background(), provider.Message{To: "100"})
	if out.Kind != domain.OutcomeAccepted {
		t.Fatalf("expected accepted, got %s (%s)", out.Kind, out.Reason)
	}
	if out.Attempts != 1 || out.ProviderMessageID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSendRejectedIsTerminal(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	rec := mock.NewRecorder(fake.Now)
	rec.Script("100", &provider.RejectedError{Code: "131026"})
	s := newTestSender(fake, rec)

	out := s.Send(context.Background(), provider.Message{To: "100"})
	if out.Kind != domain.OutcomeRejected || out.Reason != "131026" {
		t.Fatalf("expected rejection 131026, got %+v", out)
	}
	if len(rec.Calls()) != 1 {
		t.Fatalf("expected exactly one provider call, got %d", len(rec.Calls()))
	}
}

func TestSendTransportErrorRetriedOnce(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	rec := mock.NewRecorder(fake.Now)
	rec.Script("100", errors.New("connection reset"), nil)
	s := newTestSender(fake, rec)

	out := s.Send(context.Background(), provider.Message{To: "100"})
	if out.Kind != domain.OutcomeAccepted {
		t.Fatalf("expected retry to succeed, got %+v", out)
	}
	if out.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", out.Attempts)
	}

	calls := rec.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(calls))
	}
	if gap := calls[1].At.Sub(calls[0].At); gap < time.Second-time.Millisecond {
		t.Fatalf("retry bypassed the throttle: gap %v", gap)
	}
}

func TestSendTransportErrorGivesUpAfterOneRetry(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	rec := mock.NewRecorder(fake.Now)
	rec.Script("100", errors.New("timeout"), errors.New("timeout"), nil)
	s := newTestSender(fake, rec)

	out := s.Send(context.Background(), provider.Message{To: "100"})
	if out.Kind != domain.OutcomeTransportError {
		t.Fatalf("expected transport error, got %+v", out)
	}
	if out.Attempts != 2 || len(rec.Calls()) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d (calls %d)", out.Attempts, len(rec.Calls()))
	}
}

func TestSendCanceledContext(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	rec := mock.NewRecorder(fake.Now)
	s := newTestSender(fake, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := s.Send(ctx, provider.Message{To: "100"})
	if out.Kind != domain.OutcomeTransportError {
		t.Fatalf("expected transport error on canceled context, got %+v", out)
	}
	if len(rec.Calls()) != 0 {
		t.Fatalf("expected no provider call")
	}
}

func TestSendWithinDefersRefusedSlot(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	rec := mock.NewRecorder(fake.Now)
	s := newTestSender(fake, rec)
	ctx := context.Background()

	if out := s.Send(ctx, provider.Message{To: "100"}); out.Kind != domain.OutcomeAccepted {
		t.Fatalf("first send: %+v", out)
	}

	before := func(slot time.Time) bool { return slot.Before(start.Add(time.Second)) }
	out := s.SendWithin(ctx, provider.Message{To: "200"}, before)
	if !out.Deferred || out.Attempts != 0 {
		t.Fatalf("expected deferred outcome, got %+v", out)
	}
	if !out.SentAt.Equal(start.Add(time.Second)) {
		t.Fatalf("expected refused slot %v, got %v", start.Add(time.Second), out.SentAt)
	}
	if len(rec.CallsTo("200")) != 0 {
		t.Fatalf("deferred send reached the provider")
	}
	if !fake.Now().Equal(start) {
		t.Fatalf("deferred send waited on the throttle, clock at %v", fake.Now())
	}

	out = s.SendWithin(ctx, provider.Message{To: "200"}, func(time.Time) bool { return true })
	if out.Kind != domain.OutcomeAccepted || !out.SentAt.Equal(start.Add(time.Second)) {
		t.Fatalf("expected the handed-back slot to be reused, got %+v", out)
	}
}

func TestSendWithinRefusedRetryKeepsFirstError(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	rec := mock.NewRecorder(fake.Now)
	rec.Script("100", errors.New("connection reset"), nil)
	s := newTestSender(fake, rec)

	onlyFirst := func(slot time.Time) bool { return slot.Equal(start) }
	out := s.SendWithin(context.Background(), provider.Message{To: "100"}, onlyFirst)
	if out.Deferred || out.Kind != domain.OutcomeTransportError || out.Attempts != 1 {
		t.Fatalf("expected a single failed attempt, got %+v", out)
	}
	if len(rec.Calls()) != 1 {
		t.Fatalf("retry ran in a refused slot")
	}
}
