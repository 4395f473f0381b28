package followup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/provider/mock"
	"github.com/acme/outbound-followup-engine/internal/repository"
	"github.com/acme/outbound-followup-engine/internal/repository/memory"
	"github.com/acme/outbound-followup-engine/internal/service/concurrency"
	"github.com/acme/outbound-followup-engine/internal/service/sender"
)

// Monday.
var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

const claimTTL = 30 * time.Minute

type fixture struct {
	clock       *clock.Fake
	throttle    *concurrency.Throttle
	provider    *mock.Recorder
	sequences   *memory.SequenceRepository
	activations *memory.ActivationStore
	contacts    *memory.ContactDirectory
	dispatches  *memory.DispatchStore
	engine      *Engine
}

func newFixture(interval time.Duration) *fixture {
	fake := clock.NewFake(t0)
	f := &fixture{
		clock:       fake,
		throttle:    concurrency.NewThrottle(interval, fake),
		provider:    mock.NewRecorder(fake.Now),
		sequences:   memory.NewSequenceRepository(),
		activations: memory.NewActivationStore(claimTTL),
		contacts:    memory.NewContactDirectory(),
		dispatches:  memory.NewDispatchStore(),
	}
	f.engine = f.newEngine()
	return f
}

// newEngine builds another worker over the same stores and throttle.
func (f *fixture) newEngine() *Engine {
	return NewEngine(Deps{
		Sequences:   f.sequences,
		Activations: f.activations,
		Contacts:    f.contacts,
		Dispatches:  f.dispatches,
		Sender:      sender.New(f.provider, f.throttle, f.clock, sender.RetryPolicy{BaseDelay: time.Second}, nil),
		Clock:       f.clock,
		ClaimTTL:    claimTTL,
	})
}

func (f *fixture) sequence(t *testing.T, cond domain.Conditions, delays ...time.Duration) *domain.Sequence {
	t.Helper()
	seq := &domain.Sequence{
		ID:          uuid.New(),
		Name:        "seguimiento",
		TriggerType: domain.TriggerNoResponse,
		Strategy:    domain.StrategyModerate,
		Conditions:  cond,
		Enabled:     true,
		CreatedAt:   t0,
	}
	for i, d := range delays {
		seq.Steps = append(seq.Steps, domain.Step{
			Order:       i + 1,
			DelayAmount: int(d / time.Minute),
			DelayUnit:   domain.DelayMinutes,
			Message:     "Hola {nombre}, paso " + string(rune('1'+i)),
		})
	}
	if err := f.sequences.Save(context.Background(), seq); err != nil {
		t.Fatalf("save sequence: %v", err)
	}
	return seq
}

func (f *fixture) activation(t *testing.T, id uuid.UUID) *domain.Activation {
	t.Helper()
	a, err := f.activations.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get activation: %v", err)
	}
	return a
}

func TestStepTimingFromSendTimestamp(t *testing.T) {
	f := newFixture(5 * time.Minute)
	ctx := context.Background()
	seq := f.sequence(t, domain.Conditions{}, 60*time.Minute, 1440*time.Minute)

	a, created, err := f.engine.OnTrigger(ctx, seq.ID, "5215550001", nil)
	if err != nil || !created {
		t.Fatalf("trigger: created=%v err=%v", created, err)
	}
	if want := t0.Add(60 * time.Minute); !a.NextFireAt.Equal(want) {
		t.Fatalf("expected first fire at %v, got %v", want, a.NextFireAt)
	}

	f.clock.Set(t0.Add(30 * time.Minute))
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("early fire: %v", err)
	}
	if len(f.provider.Calls()) != 0 {
		t.Fatalf("activation fired before it was due")
	}

	// another sender holds the throttle slot at T0+60, delaying this send by 5 minutes
	f.clock.Set(t0.Add(60 * time.Minute))
	if _, err := f.throttle.Wait(ctx); err != nil {
		t.Fatalf("occupy throttle: %v", err)
	}
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire step 1: %v", err)
	}

	calls := f.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one send, got %d", len(calls))
	}
	sentAt := t0.Add(65 * time.Minute)
	if !calls[0].At.Equal(sentAt) {
		t.Fatalf("expected send at %v, got %v", sentAt, calls[0].At)
	}

	got := f.activation(t, a.ID)
	if got.Status != domain.ActivationScheduled || got.CurrentStep != 2 || got.StepsSent != 1 {
		t.Fatalf("unexpected activation after step 1: %+v", got)
	}
	if want := sentAt.Add(1440 * time.Minute); !got.NextFireAt.Equal(want) {
		t.Fatalf("expected step 2 at %v, got %v", want, got.NextFireAt)
	}

	f.clock.Set(got.NextFireAt)
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire step 2: %v", err)
	}
	got = f.activation(t, a.ID)
	if got.Status != domain.ActivationCompleted || got.StepsSent != 2 {
		t.Fatalf("expected completed after 2 steps, got %+v", got)
	}
	if f.dispatches.Count() != 2 {
		t.Fatalf("expected 2 dispatch records, got %d", f.dispatches.Count())
	}
}

func TestSecondTriggerDoesNotDuplicate(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	seq := f.sequence(t, domain.Conditions{MaxFollowUpsPerRecipient: 1}, 60*time.Minute)

	first, created, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil || !created {
		t.Fatalf("first trigger: created=%v err=%v", created, err)
	}
	second, created, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if created || second == nil || second.ID != first.ID {
		t.Fatalf("expected existing activation to be returned, got created=%v %+v", created, second)
	}
	if n := len(f.activations.All()); n != 1 {
		t.Fatalf("expected 1 activation, got %d", n)
	}

	f.clock.Set(first.NextFireAt)
	if err := f.engine.Fire(ctx, first.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if f.activation(t, first.ID).Status != domain.ActivationCompleted {
		t.Fatalf("expected completion")
	}

	third, created, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("third trigger: %v", err)
	}
	if created || third != nil {
		t.Fatalf("expected follow-up limit to block a new activation, got %+v", third)
	}
}

func TestReplyCancelsPendingSteps(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	seq := f.sequence(t, domain.Conditions{}, 60*time.Minute, 60*time.Minute)
	a, _, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	n, err := f.engine.OnReply(ctx, "100")
	if err != nil || n != 1 {
		t.Fatalf("reply: n=%d err=%v", n, err)
	}

	f.clock.Set(a.NextFireAt)
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(f.provider.Calls()) != 0 {
		t.Fatalf("canceled activation sent a message")
	}
	got := f.activation(t, a.ID)
	if got.Status != domain.ActivationCanceled || got.CancelReason != domain.CancelRecipientReplied {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestCancelDuringInFlightSend(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	seq := f.sequence(t, domain.Conditions{}, 10*time.Minute, 10*time.Minute, 10*time.Minute)
	a, _, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.clock.Set(a.NextFireAt)

	entered := f.provider.Block()
	done := make(chan error, 1)
	go func() { done <- f.engine.Fire(ctx, a.ID) }()

	<-entered
	if _, err := f.engine.OnReply(ctx, "100"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	f.provider.Unblock()
	if err := <-done; err != nil {
		t.Fatalf("fire: %v", err)
	}

	got := f.activation(t, a.ID)
	if got.Status != domain.ActivationCanceled {
		t.Fatalf("expected cancellation to win over in-flight advance, got %s", got.Status)
	}
	if f.dispatches.Count() != 1 {
		t.Fatalf("expected the in-flight send to be recorded")
	}

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		if err := f.engine.Fire(ctx, a.ID); err != nil {
			t.Fatalf("fire after cancel: %v", err)
		}
	}
	if n := len(f.provider.Calls()); n != 1 {
		t.Fatalf("expected no sends after cancel, got %d total", n)
	}
}

func TestFireSkipsAlreadyDispatchedStep(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	seq := f.sequence(t, domain.Conditions{}, 60*time.Minute, 120*time.Minute)
	a, _, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	sentAt := t0.Add(61 * time.Minute)
	_, _ = f.dispatches.Record(ctx, domain.DispatchRecord{
		DispatchKey: domain.DispatchKey{OwnerID: a.ID, Recipient: "100", Step: 1},
		OwnerKind:   domain.OwnerActivation,
		Outcome:     domain.OutcomeAccepted,
		SentAt:      sentAt,
	})

	f.clock.Set(t0.Add(90 * time.Minute))
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(f.provider.Calls()) != 0 {
		t.Fatalf("already dispatched step was sent again")
	}
	got := f.activation(t, a.ID)
	if got.CurrentStep != 2 || got.StepsSent != 1 || !got.NextFireAt.Equal(sentAt.Add(120*time.Minute)) {
		t.Fatalf("unexpected activation %+v", got)
	}
}

func TestBusinessHoursDeferral(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	window := domain.SendWindow{
		BusinessHoursOnly: true,
		Weekdays:          []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour:         9,
		EndHour:           18,
		TimeZone:          "UTC",
	}
	seq := f.sequence(t, domain.Conditions{Window: window}, 60*time.Minute)

	friday := time.Date(2024, 3, 8, 17, 30, 0, 0, time.UTC)
	f.clock.Set(friday)
	a, _, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	f.clock.Set(a.NextFireAt)
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(f.provider.Calls()) != 0 {
		t.Fatalf("sent outside the window")
	}
	got := f.activation(t, a.ID)
	monday := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	if got.Status != domain.ActivationScheduled || got.CurrentStep != 1 || !got.NextFireAt.Equal(monday) {
		t.Fatalf("expected step 1 deferred to %v, got %+v", monday, got)
	}

	f.clock.Set(monday)
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	calls := f.provider.Calls()
	if len(calls) != 1 || !window.Contains(calls[0].At) {
		t.Fatalf("expected one in-window send, got %+v", calls)
	}
}

func TestThrottleSlotOutsideWindowIsDeferred(t *testing.T) {
	f := newFixture(5 * time.Minute)
	ctx := context.Background()
	window := domain.SendWindow{
		BusinessHoursOnly: true,
		Weekdays:          []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour:         9,
		EndHour:           18,
		TimeZone:          "UTC",
	}
	seq := f.sequence(t, domain.Conditions{Window: window}, 60*time.Minute)

	f.clock.Set(time.Date(2024, 3, 8, 16, 59, 0, 0, time.UTC))
	a, _, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	due := time.Date(2024, 3, 8, 17, 59, 0, 0, time.UTC)
	if !a.NextFireAt.Equal(due) {
		t.Fatalf("expected step due at %v, got %v", due, a.NextFireAt)
	}

	// the 17:59 slot goes to another sender, the next one opens at 18:04
	f.clock.Set(due)
	if _, err := f.throttle.Wait(ctx); err != nil {
		t.Fatalf("occupy throttle: %v", err)
	}
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if calls := f.provider.Calls(); len(calls) != 0 {
		t.Fatalf("sent at %v, outside the window", calls[0].At)
	}
	if f.dispatches.Count() != 0 {
		t.Fatalf("deferred step must not be recorded")
	}
	got := f.activation(t, a.ID)
	monday := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	if got.Status != domain.ActivationScheduled || got.CurrentStep != 1 || got.StepsSent != 0 || !got.NextFireAt.Equal(monday) {
		t.Fatalf("expected step 1 deferred to %v, got %+v", monday, got)
	}

	f.clock.Set(monday)
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	calls := f.provider.Calls()
	if len(calls) != 1 || !window.Contains(calls[0].At) {
		t.Fatalf("expected one in-window send, got %+v", calls)
	}
}

func TestLongThrottleWaitDoesNotOutliveClaim(t *testing.T) {
	f := newFixture(40 * time.Minute)
	ctx := context.Background()
	seq := f.sequence(t, domain.Conditions{}, 60*time.Minute, 1440*time.Minute)
	a, _, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	f.clock.Set(a.NextFireAt)
	if _, err := f.throttle.Wait(ctx); err != nil {
		t.Fatalf("occupy throttle: %v", err)
	}

	// a second worker runs while the first would be parked on the throttle,
	// after the first worker's claim has gone stale
	other := f.newEngine()
	var once sync.Once
	f.clock.OnSleep(func(time.Duration) {
		once.Do(func() {
			if err := other.Fire(ctx, a.ID); err != nil {
				t.Errorf("second worker fire: %v", err)
			}
		})
	})

	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if n := len(f.provider.Calls()); n != 0 {
		t.Fatalf("expected the slot past the claim to be refused, got %d sends", n)
	}
	slot := t0.Add(100 * time.Minute)
	got := f.activation(t, a.ID)
	if got.Status != domain.ActivationScheduled || got.CurrentStep != 1 || !got.NextFireAt.Equal(slot) {
		t.Fatalf("expected step 1 rescheduled to %v, got %+v", slot, got)
	}

	f.clock.OnSleep(nil)
	f.clock.Set(slot)
	if err := other.Fire(ctx, a.ID); err != nil {
		t.Fatalf("second worker fire: %v", err)
	}
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("late fire: %v", err)
	}
	calls := f.provider.Calls()
	if len(calls) != 1 || !calls[0].At.Equal(slot) {
		t.Fatalf("expected exactly one send at %v, got %+v", slot, calls)
	}
	got = f.activation(t, a.ID)
	if got.CurrentStep != 2 || got.StepsSent != 1 || f.dispatches.Count() != 1 {
		t.Fatalf("unexpected activation after send %+v", got)
	}
}

func TestStaleClaimHolderCannotWrite(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	seq := f.sequence(t, domain.Conditions{}, 60*time.Minute, 60*time.Minute)
	a, _, err := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	f.clock.Set(a.NextFireAt)
	stale, ok, err := f.activations.TryClaim(ctx, a.ID, f.clock.Now())
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	f.clock.Advance(claimTTL)
	if err := f.engine.Fire(ctx, a.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if n := len(f.provider.Calls()); n != 1 {
		t.Fatalf("expected the reclaiming worker to send once, got %d", n)
	}

	held := *stale.ClaimedAt
	if _, ok, err := f.activations.RenewClaim(ctx, a.ID, held, f.clock.Now()); err != nil || ok {
		t.Fatalf("stale claim renewed, ok=%v err=%v", ok, err)
	}
	stale.Status = domain.ActivationScheduled
	stale.ClaimedAt = nil
	if err := f.activations.Transition(ctx, stale, held); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("stale claim holder overwrote the activation")
	}
	got := f.activation(t, a.ID)
	if got.CurrentStep != 2 || got.StepsSent != 1 {
		t.Fatalf("unexpected activation %+v", got)
	}
}

func TestFireCancelsOnStopConditions(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled sequence", func(t *testing.T) {
		f := newFixture(0)
		seq := f.sequence(t, domain.Conditions{}, time.Minute)
		a, _, _ := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
		_ = f.sequences.SetEnabled(ctx, seq.ID, false, t0)
		f.clock.Set(a.NextFireAt)
		if err := f.engine.Fire(ctx, a.ID); err != nil {
			t.Fatalf("fire: %v", err)
		}
		if got := f.activation(t, a.ID); got.CancelReason != domain.CancelSequenceDisabled {
			t.Fatalf("unexpected state %+v", got)
		}
	})

	t.Run("blocked recipient", func(t *testing.T) {
		f := newFixture(0)
		seq := f.sequence(t, domain.Conditions{}, time.Minute)
		a, _, _ := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
		f.contacts.Put(domain.Contact{PhoneNumber: "100", Blocked: true})
		f.clock.Set(a.NextFireAt)
		if err := f.engine.Fire(ctx, a.ID); err != nil {
			t.Fatalf("fire: %v", err)
		}
		if got := f.activation(t, a.ID); got.CancelReason != domain.CancelRecipientBlocked {
			t.Fatalf("unexpected state %+v", got)
		}
		if len(f.provider.Calls()) != 0 {
			t.Fatalf("blocked recipient received a message")
		}
	})

	t.Run("max follow-ups", func(t *testing.T) {
		f := newFixture(0)
		seq := f.sequence(t, domain.Conditions{MaxFollowUpsPerRecipient: 1}, time.Minute, time.Minute)
		a, _, _ := f.engine.OnTrigger(ctx, seq.ID, "100", nil)
		f.clock.Set(a.NextFireAt)
		_ = f.engine.Fire(ctx, a.ID)
		f.clock.Advance(time.Minute)
		if err := f.engine.Fire(ctx, a.ID); err != nil {
			t.Fatalf("fire: %v", err)
		}
		if got := f.activation(t, a.ID); got.CancelReason != domain.CancelMaxFollowUps {
			t.Fatalf("unexpected state %+v", got)
		}
		if n := len(f.provider.Calls()); n != 1 {
			t.Fatalf("expected 1 send, got %d", n)
		}
	})
}

func TestFireRendersAttributes(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	seq := &domain.Sequence{
		ID: uuid.New(), Name: "precio", TriggerType: domain.TriggerPriceRequested, Enabled: true,
		Steps: []domain.Step{{Order: 1, DelayAmount: 5, DelayUnit: domain.DelayMinutes, Message: "Hola {nombre}, el precio es {precio}. Saludos {asesor}"}},
	}
	_ = f.sequences.Save(ctx, seq)
	f.contacts.Put(domain.Contact{PhoneNumber: "100", Attributes: map[string]string{"nombre": "Ana"}})

	created, err := f.engine.OnTriggerType(ctx, domain.TriggerPriceRequested, "", "100", map[string]string{"precio": "$1,200"})
	if err != nil || len(created) != 1 {
		t.Fatalf("trigger type: %d created, err=%v", len(created), err)
	}
	f.clock.Set(created[0].NextFireAt)
	if err := f.engine.Fire(ctx, created[0].ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	calls := f.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if want := "Hola Ana, el precio es $1,200. Saludos "; calls[0].Message.Text != want {
		t.Fatalf("expected %q, got %q", want, calls[0].Message.Text)
	}
}

func TestOnTriggerTypeKeywordMatching(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	seq := &domain.Sequence{
		ID: uuid.New(), Name: "demo", TriggerType: domain.TriggerKeyword, TriggerKeyword: "demo", Enabled: true,
		Steps: []domain.Step{{Order: 1, DelayAmount: 1, DelayUnit: domain.DelayHours, Message: "Agenda tu demo"}},
	}
	_ = f.sequences.Save(ctx, seq)

	created, err := f.engine.OnTriggerType(ctx, domain.TriggerKeyword, "hola, quiero información", "100", nil)
	if err != nil || len(created) != 0 {
		t.Fatalf("expected no activation, got %d err=%v", len(created), err)
	}
	created, err = f.engine.OnTriggerType(ctx, domain.TriggerKeyword, "Quiero una DEMO", "100", nil)
	if err != nil || len(created) != 1 {
		t.Fatalf("expected one activation, got %d err=%v", len(created), err)
	}

	state, err := f.engine.ActivationState(ctx, seq.ID, "100")
	if err != nil || state.Status != domain.ActivationScheduled {
		t.Fatalf("unexpected activation state %+v err=%v", state, err)
	}
}
