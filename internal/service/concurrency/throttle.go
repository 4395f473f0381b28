package concurrency

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/acme/outbound-followup-engine/internal/clock"
)

// Throttle is the process-wide minimum-interval gate in front of the provider.
// Construct one per process and share it between every sender.
type Throttle struct {
	limiter  *rate.Limiter
	clock    clock.Clock
	interval time.Duration
}

// NewThrottle builds a throttle that starts at most one call per minInterval.
// A non-positive interval disables throttling.
func NewThrottle(minInterval time.Duration, clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Throttle{
		limiter:  rate.NewLimiter(limit, 1),
		clock:    clk,
		interval: minInterval,
	}
}

// Interval returns the configured minimum interval.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Wait blocks until the caller's slot opens and returns the slot start.
// Slots are handed out in arrival order. If ctx ends first the slot is
// returned to the throttle.
func (t *Throttle) Wait(ctx context.Context) (time.Time, error) {
	slot, _, err := t.WaitIf(ctx, nil)
	return slot, err
}

// WaitIf reserves the next slot and shows its start to accept before waiting.
// A refused slot is handed back at once, ok is false and slot reports the
// start that was offered. A nil accept takes every slot.
func (t *Throttle) WaitIf(ctx context.Context, accept func(slot time.Time) bool) (slot time.Time, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	now := t.clock.Now()
	r := t.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Time{}, false, fmt.Errorf("throttle: reservation refused")
	}

	delay := r.DelayFrom(now)
	if delay < 0 {
		delay = 0
	}
	slot = now.Add(delay)
	if accept != nil && !accept(slot) {
		r.CancelAt(now)
		return slot, false, nil
	}
	if delay == 0 {
		return slot, true, nil
	}

	if err := t.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(t.clock.Now())
		return time.Time{}, false, err
	}
	return slot, true, nil
}
