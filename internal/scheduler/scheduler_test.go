package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/config"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository/memory"
)

func TestFireQueueOrdersAndDeduplicates(t *testing.T) {
	q := newFireQueue()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	q.Upsert(a, base.Add(3*time.Minute))
	q.Upsert(b, base.Add(time.Minute))
	q.Upsert(c, base.Add(2*time.Minute))
	q.Upsert(a, base)

	if q.Len() != 3 {
		t.Fatalf("expected 3 queued activations, got %d", q.Len())
	}
	if next, _ := q.Peek(); !next.Equal(base) {
		t.Fatalf("expected earliest %v, got %v", base, next)
	}

	due := q.PopDue(base.Add(90 * time.Second))
	if len(due) != 2 || due[0] != a || due[1] != b {
		t.Fatalf("unexpected due order %v", due)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
	if due := q.PopDue(base); len(due) != 0 {
		t.Fatalf("expected nothing due, got %v", due)
	}
}

type recordingFirer struct {
	store *memory.ActivationStore
	clock clock.Clock

	mu    sync.Mutex
	fired map[uuid.UUID]int
	ch    chan uuid.UUID
}

func (f *recordingFirer) Fire(ctx context.Context, id uuid.UUID) error {
	a, ok, err := f.store.TryClaim(ctx, id, f.clock.Now())
	if err != nil || !ok {
		return err
	}
	a.Status = domain.ActivationCompleted
	a.ClaimedAt = nil
	if err := f.store.Save(ctx, a); err != nil {
		return err
	}
	f.mu.Lock()
	f.fired[id]++
	f.mu.Unlock()
	f.ch <- id
	return nil
}

func TestRunFiresDueActivationsOnce(t *testing.T) {
	sys := clock.New()
	now := sys.Now().UTC()
	store := memory.NewActivationStore(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	add := func(at time.Time, status domain.ActivationStatus, claimedAt *time.Time) uuid.UUID {
		a := &domain.Activation{
			ID:          uuid.New(),
			SequenceID:  uuid.New(),
			RecipientID: uuid.NewString(),
			CurrentStep: 1,
			Status:      status,
			NextFireAt:  at,
			ClaimedAt:   claimedAt,
		}
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("create: %v", err)
		}
		return a.ID
	}

	staleClaim := now.Add(-10 * time.Minute)
	due1 := add(now.Add(-time.Minute), domain.ActivationScheduled, nil)
	due2 := add(now, domain.ActivationScheduled, nil)
	abandoned := add(now.Add(-15*time.Minute), domain.ActivationRunning, &staleClaim)
	future := add(now.Add(24*time.Hour), domain.ActivationScheduled, nil)

	firer := &recordingFirer{store: store, clock: sys, fired: make(map[uuid.UUID]int), ch: make(chan uuid.UUID, 8)}
	s := New(store, firer, sys, config.SchedulerConfig{
		TickInterval: 20 * time.Millisecond,
		LookAhead:    time.Minute,
		WorkerCount:  2,
	}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	want := map[uuid.UUID]bool{due1: true, due2: true, abandoned: true}
	deadline := time.After(2 * time.Second)
	for seen := 0; seen < len(want); seen++ {
		select {
		case id := <-firer.ch:
			if !want[id] {
				t.Fatalf("unexpected activation fired: %s", id)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for due activations")
		}
	}

	// several more ticks must not refire anything
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	firer.mu.Lock()
	defer firer.mu.Unlock()
	for id, n := range firer.fired {
		if n != 1 {
			t.Fatalf("activation %s fired %d times", id, n)
		}
	}
	if firer.fired[future] != 0 {
		t.Fatalf("future activation fired early")
	}
}

func TestRunWaitsOnInjectedClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFake(now)
	store := memory.NewActivationStore(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	soon := &domain.Activation{ID: uuid.New(), SequenceID: uuid.New(), RecipientID: "100", CurrentStep: 1,
		Status: domain.ActivationScheduled, NextFireAt: now.Add(10 * time.Minute)}
	if err := store.Create(ctx, soon); err != nil {
		t.Fatalf("create: %v", err)
	}

	// each fake sleep parks the loop until the test lets it continue
	slept := make(chan time.Duration)
	proceed := make(chan struct{})
	fake.OnSleep(func(d time.Duration) {
		select {
		case slept <- d:
		case <-ctx.Done():
			return
		}
		select {
		case <-proceed:
		case <-ctx.Done():
		}
	})

	firer := &recordingFirer{store: store, clock: fake, fired: make(map[uuid.UUID]int), ch: make(chan uuid.UUID, 8)}
	s := New(store, firer, fake, config.SchedulerConfig{
		TickInterval: 15 * time.Minute,
		LookAhead:    time.Hour,
		WorkerCount:  1,
	}, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	next := func() time.Duration {
		t.Helper()
		select {
		case d := <-slept:
			return d
		case <-time.After(2 * time.Second):
			t.Fatalf("scheduler did not sleep on the injected clock")
			return 0
		}
	}

	if d := next(); d != 10*time.Minute {
		t.Fatalf("expected to sleep until the queued fire time, slept %v", d)
	}
	select {
	case id := <-firer.ch:
		t.Fatalf("activation %s fired before the clock reached it", id)
	default:
	}

	proceed <- struct{}{}
	select {
	case id := <-firer.ch:
		if id != soon.ID {
			t.Fatalf("unexpected activation fired: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("activation not fired after the fake clock advanced")
	}
	if d := next(); d != 5*time.Minute {
		t.Fatalf("expected to sleep until the next tick, slept %v", d)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
