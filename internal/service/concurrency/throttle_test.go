package concurrency

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/acme/outbound-followup-engine/internal/clock"
)

func TestThrottleSpacesSequentialCalls(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	throttle := NewThrottle(100*time.Millisecond, fake)

	var slots []time.Time
	for i := 0; i < 5; i++ {
		slot, err := throttle.Wait(context.Background())
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		slots = append(slots, slot)
	}

	if !slots[0].Equal(start) {
		t.Fatalf("expected first slot to be immediate, got %v", slots[0])
	}
	for i := 1; i < len(slots); i++ {
		gap := slots[i].Sub(slots[i-1])
		if gap < 100*time.Millisecond-time.Microsecond {
			t.Fatalf("slots %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestThrottleConcurrentCallersRealClock(t *testing.T) {
	const interval = 20 * time.Millisecond
	throttle := NewThrottle(interval, clock.New())

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		slots []time.Time
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := throttle.Wait(context.Background())
			if err != nil {
				t.Errorf("wait: %v", err)
				return
			}
			mu.Lock()
			slots = append(slots, slot)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	for i := 1; i < len(slots); i++ {
		gap := slots[i].Sub(slots[i-1])
		if gap < interval-time.Millisecond {
			t.Fatalf("concurrent slots %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestThrottleCanceledContextReturnsSlot(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	throttle := NewThrottle(time.Second, fake)

	if _, err := throttle.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := throttle.Wait(ctx); err == nil {
		t.Fatalf("expected canceled wait to fail")
	}

	slot, err := throttle.Wait(context.Background())
	if err != nil {
		t.Fatalf("third wait: %v", err)
	}
	want := time.Date(2024, 1, 1, 9, 0, 1, 0, time.UTC)
	if slot.Sub(want) > time.Millisecond || want.Sub(slot) > time.Millisecond {
		t.Fatalf("expected slot near %v, got %v", want, slot)
	}
}

func TestThrottleDisabled(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	throttle := NewThrottle(0, fake)
	for i := 0; i < 3; i++ {
		if _, err := throttle.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if len(fake.Sleeps()) != 0 {
		t.Fatalf("expected no sleeps, got %v", fake.Sleeps())
	}
}

func TestThrottleWaitIfHandsBackRefusedSlot(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	throttle := NewThrottle(100*time.Millisecond, fake)
	ctx := context.Background()

	if _, err := throttle.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	var offered time.Time
	slot, ok, err := throttle.WaitIf(ctx, func(s time.Time) bool { offered = s; return false })
	if err != nil || ok {
		t.Fatalf("expected refusal, ok=%v err=%v", ok, err)
	}
	next := start.Add(100 * time.Millisecond)
	if !slot.Equal(next) || !offered.Equal(next) {
		t.Fatalf("expected offered slot %v, got %v / %v", next, slot, offered)
	}
	if !fake.Now().Equal(start) || len(fake.Sleeps()) != 0 {
		t.Fatalf("refused slot must not sleep")
	}

	slot, err = throttle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !slot.Equal(next) {
		t.Fatalf("expected refused slot %v to be reissued, got %v", next, slot)
	}
}
