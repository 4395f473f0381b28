package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/provider"
)

// Provider simulates outbound provider behaviour for local runs.
type Provider struct {
	mu         sync.Mutex
	acceptRate float64
	latency    time.Duration
	rng        *rand.Rand
}

// NewProvider constructs a mock provider that accepts roughly acceptRate of calls.
func NewProvider(acceptRate float64, latency time.Duration) *Provider {
	if acceptRate <= 0 || acceptRate > 1 {
		acceptRate = 0.95
	}
	return &Provider{
		acceptRate: acceptRate,
		latency:    latency,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send simulates a provider call.
func (p *Provider) Send(ctx context.Context, msg provider.Message) (provider.Result, error) {
	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		case <-time.After(p.latency):
		}
	}

	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()

	if roll <= p.acceptRate {
		return provider.Result{MessageID: "mock." + uuid.NewString()}, nil
	}
	return provider.Result{}, &provider.RejectedError{Code: "131026", Message: "simulated undeliverable"}
}

// Call is one message observed by Recorder.
type Call struct {
	Message provider.Message
	At      time.Time
}

// Recorder is a deterministic provider for tests. Responses are looked up per
// destination; destinations without a scripted response are accepted.
type Recorder struct {
	mu        sync.Mutex
	now       func() time.Time
	calls     []Call
	responses map[string][]error
	block     chan struct{}
	entered   chan struct{}
}

// NewRecorder constructs a recorder. now stamps each call.
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now, responses: make(map[string][]error)}
}

// Script queues errors returned for successive calls to the destination. A nil
// entry means accepted.
func (r *Recorder) Script(to string, errs ...error) {
	r.mu.Lock()
	r.responses[to] = append(r.responses[to], errs...)
	r.mu.Unlock()
}

// Block makes every Send wait until Unblock is called. Entered is signalled
// when a call has started.
func (r *Recorder) Block() (entered <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.block = make(chan struct{})
	r.entered = make(chan struct{}, 16)
	return r.entered
}

// Unblock releases blocked calls.
func (r *Recorder) Unblock() {
	r.mu.Lock()
	if r.block != nil {
		close(r.block)
		r.block = nil
	}
	r.mu.Unlock()
}

func (r *Recorder) Send(ctx context.Context, msg provider.Message) (provider.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Message: msg, At: r.now()})
	var err error
	if queued := r.responses[msg.To]; len(queued) > 0 {
		err = queued[0]
		r.responses[msg.To] = queued[1:]
	}
	block, entered := r.block, r.entered
	n := len(r.calls)
	r.mu.Unlock()

	if block != nil {
		entered <- struct{}{}
		select {
		case <-block:
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}

	if err != nil {
		return provider.Result{}, err
	}
	return provider.Result{MessageID: fmt.Sprintf("rec.%d", n)}, nil
}

// Calls returns the observed calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the observed calls for one destination.
func (r *Recorder) CallsTo(to string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Message.To == to {
			out = append(out, c)
		}
	}
	return out
}
