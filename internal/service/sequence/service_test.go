package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository/memory"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

func newService() (*Service, *memory.ActivationStore) {
	store := memory.NewActivationStore(time.Minute)
	fake := clock.NewFake(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	return NewService(memory.NewSequenceRepository(), store, fake), store
}

func TestCreateAppliesPreset(t *testing.T) {
	svc, _ := newService()
	cases := map[domain.Strategy][]time.Duration{
		domain.StrategyPassive:    {24 * time.Hour, 72 * time.Hour},
		domain.StrategyModerate:   {4 * time.Hour, 24 * time.Hour, 72 * time.Hour},
		domain.StrategyAggressive: {time.Hour, 4 * time.Hour, 24 * time.Hour, 48 * time.Hour},
	}
	for strategy, delays := range cases {
		seq, err := svc.CreateOrUpdate(context.Background(), Input{
			Name:        string(strategy),
			TriggerType: domain.TriggerNoResponse,
			Strategy:    strategy,
		})
		if err != nil {
			t.Fatalf("%s: %v", strategy, err)
		}
		if len(seq.Steps) != len(delays) {
			t.Fatalf("%s: expected %d steps, got %d", strategy, len(delays), len(seq.Steps))
		}
		for i, want := range delays {
			got, _ := seq.Steps[i].Delay()
			if got != want || seq.Steps[i].Order != i+1 {
				t.Fatalf("%s step %d: expected %v at order %d, got %v at %d", strategy, i, want, i+1, got, seq.Steps[i].Order)
			}
		}
		if !seq.Enabled {
			t.Fatalf("%s: expected new sequence to be enabled", strategy)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService()
	valid := []StepInput{{DelayAmount: 1, DelayUnit: domain.DelayHours, Message: "hola"}}
	cases := []Input{
		{Name: "", TriggerType: domain.TriggerManual, Steps: valid},
		{Name: "x", TriggerType: "unknown", Steps: valid},
		{Name: "x", TriggerType: domain.TriggerKeyword, Steps: valid},
		{Name: "x", TriggerType: domain.TriggerManual, Strategy: "relentless", Steps: valid},
		{Name: "x", TriggerType: domain.TriggerManual, Steps: []StepInput{{DelayAmount: 0, DelayUnit: domain.DelayHours, Message: "a"}}},
		{Name: "x", TriggerType: domain.TriggerManual, Steps: []StepInput{{DelayAmount: 1, DelayUnit: "weeks", Message: "a"}}},
		{Name: "x", TriggerType: domain.TriggerManual, Steps: []StepInput{{DelayAmount: 1, DelayUnit: domain.DelayHours}}},
		{Name: "x", TriggerType: domain.TriggerManual, Steps: []StepInput{
			{Order: 1, DelayAmount: 1, DelayUnit: domain.DelayHours, Message: "a"},
			{Order: 3, DelayAmount: 1, DelayUnit: domain.DelayHours, Message: "b"},
		}},
		{Name: "x", TriggerType: domain.TriggerManual, Steps: valid, Conditions: domain.Conditions{MaxFollowUpsPerRecipient: -1}},
		{Name: "x", TriggerType: domain.TriggerManual, Steps: valid, Conditions: domain.Conditions{
			Window: domain.SendWindow{BusinessHoursOnly: true, StartHour: 9, EndHour: 9},
		}},
		{Name: "x", TriggerType: domain.TriggerManual, Steps: valid, Conditions: domain.Conditions{
			Window: domain.SendWindow{BusinessHoursOnly: true, StartHour: 9, EndHour: 18, TimeZone: "Mars/Olympus"},
		}},
	}
	for i, tc := range cases {
		if _, err := svc.CreateOrUpdate(context.Background(), tc); !apperrors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestUpdateKeepsIdentityAndEnabledFlag(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	seq, err := svc.CreateOrUpdate(ctx, Input{Name: "a", TriggerType: domain.TriggerManual, Strategy: domain.StrategyPassive})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Disable(ctx, seq.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	updated, err := svc.CreateOrUpdate(ctx, Input{
		ID:          &seq.ID,
		Name:        "b",
		TriggerType: domain.TriggerManual,
		Steps:       []StepInput{{DelayAmount: 30, DelayUnit: domain.DelayMinutes, Message: "hola {nombre}"}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != seq.ID || updated.Enabled || !updated.CreatedAt.Equal(seq.CreatedAt) {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if len(updated.Steps) != 1 {
		t.Fatalf("expected steps to be replaced, got %d", len(updated.Steps))
	}
}

func TestDisableCancelsActivations(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	seq, err := svc.CreateOrUpdate(ctx, Input{Name: "a", TriggerType: domain.TriggerManual, Strategy: domain.StrategyModerate})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, r := range []string{"1", "2"} {
		_ = store.Create(ctx, &domain.Activation{ID: uuid.New(), SequenceID: seq.ID, RecipientID: r, CurrentStep: 1, Status: domain.ActivationScheduled})
	}

	n, err := svc.Disable(ctx, seq.ID)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 canceled activations, got %d", n)
	}
	for _, a := range store.All() {
		if a.Status != domain.ActivationCanceled || a.CancelReason != domain.CancelSequenceDisabled {
			t.Fatalf("expected canceled activation, got %+v", a)
		}
	}

	if err := svc.Enable(ctx, seq.ID); err != nil {
		t.Fatalf("enable: %v", err)
	}
	got, _ := svc.Get(ctx, seq.ID)
	if !got.Enabled {
		t.Fatalf("expected sequence to be enabled")
	}
}

func TestDisableUnknownSequence(t *testing.T) {
	svc, _ := newService()
	if _, err := svc.Disable(context.Background(), uuid.New()); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
