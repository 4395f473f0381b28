// Package scheduler fires follow-up activations when their next step is due.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/config"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
	"github.com/acme/outbound-followup-engine/pkg/logger"
)

// Firer executes the due step of one activation.
type Firer interface {
	Fire(ctx context.Context, activationID uuid.UUID) error
}

// Scheduler keeps activations due within the look-ahead window in memory and
// hands them to a worker pool at their fire time.
type Scheduler struct {
	activations repository.ActivationStore
	engine      Firer
	clock       clock.Clock
	cfg         config.SchedulerConfig
	log         *logger.Logger

	queue    *fireQueue
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// New constructs a scheduler.
func New(activations repository.ActivationStore, engine Firer, clk clock.Clock, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.LookAhead < cfg.TickInterval {
		cfg.LookAhead = 2 * cfg.TickInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	return &Scheduler{
		activations: activations,
		engine:      engine,
		clock:       clk,
		cfg:         cfg,
		log:         log,
		queue:       newFireQueue(),
		inflight:    make(map[uuid.UUID]struct{}),
	}
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx, jobs)
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	// every wait goes through the clock so a fake clock drives the loop
	nextTick := s.clock.Now()
	for {
		if now := s.clock.Now(); !now.Before(nextTick) {
			if err := s.tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
			}
			nextTick = now.Add(s.cfg.TickInterval)
		}
		if err := s.dispatchDue(ctx, jobs); err != nil {
			return err
		}
		if err := s.clock.Sleep(ctx, s.wakeIn(nextTick)); err != nil {
			return err
		}
	}
}

// tick loads activations due before now+look_ahead, plus abandoned claims,
// into the queue.
func (s *Scheduler) tick(ctx context.Context) error {
	tracer := otel.Tracer("outbound.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	now := s.clock.Now().UTC()
	upcoming, err := s.activations.LoadUpcoming(sctx, now.Add(s.cfg.LookAhead), s.cfg.MaxBatchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}
	due, err := s.activations.LoadDue(sctx, now, s.cfg.MaxBatchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.mu.Lock()
	loaded := 0
	for _, batch := range [][]domain.Activation{upcoming, due} {
		for _, a := range batch {
			if _, busy := s.inflight[a.ID]; busy {
				continue
			}
			s.queue.Upsert(a.ID, a.NextFireAt)
			loaded++
		}
	}
	queued := s.queue.Len()
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("activations.loaded", loaded), attribute.Int("activations.queued", queued))
	s.log.Debug("scheduler: tick", zap.Int("loaded", loaded), zap.Int("queued", queued))
	return nil
}

// dispatchDue hands every due activation to the workers.
func (s *Scheduler) dispatchDue(ctx context.Context, jobs chan<- uuid.UUID) error {
	s.mu.Lock()
	ids := s.queue.PopDue(s.clock.Now().UTC())
	for _, id := range ids {
		s.inflight[id] = struct{}{}
	}
	s.mu.Unlock()

	for i, id := range ids {
		select {
		case jobs <- id:
		case <-ctx.Done():
			s.mu.Lock()
			for _, rest := range ids[i:] {
				delete(s.inflight, rest)
			}
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	return nil
}

// wakeIn is the wait until the earliest queued fire time or the next tick.
func (s *Scheduler) wakeIn(nextTick time.Time) time.Duration {
	now := s.clock.Now()
	wake := nextTick
	s.mu.Lock()
	if next, ok := s.queue.Peek(); ok && next.Before(wake) {
		wake = next
	}
	s.mu.Unlock()
	if d := wake.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Scheduler) work(ctx context.Context, jobs <-chan uuid.UUID) {
	tracer := otel.Tracer("outbound.scheduler")
	for id := range jobs {
		fctx, span := tracer.Start(ctx, "scheduler.fire", trace.WithAttributes(
			attribute.String("activation.id", id.String()),
		))
		if err := s.engine.Fire(fctx, id); err != nil && ctx.Err() == nil {
			span.RecordError(err)
			s.log.Error("scheduler: fire failed", zap.Error(err), zap.String("activation_id", id.String()))
		}
		span.End()

		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}
}
