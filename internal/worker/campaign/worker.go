package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/app"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/queue"
	"github.com/acme/outbound-followup-engine/internal/telemetry"
)

const resumeBatch = 1000

// Worker consumes campaign dispatch messages and runs each campaign under a
// Redis lease so only one instance sends for a campaign at a time.
type Worker struct {
	container *app.Container
	handler   *Handler
	slots     chan struct{}
	wg        sync.WaitGroup
}

// New creates a campaign worker.
func New(container *app.Container) *Worker {
	parallel := container.Config.Campaign.MaxParallel
	if parallel <= 0 {
		parallel = 4
	}
	w := &Worker{container: container, slots: make(chan struct{}, parallel)}
	cfg := container.Config.Campaign
	w.handler = NewHandler(w.runCampaign, container.Publishers().DeadLetters,
		cfg.MaxRunAttempts, cfg.RunRetryDelay, container.Logger)
	return w
}

// Run resumes campaigns left running, then consumes dispatch messages until
// the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	logger := w.container.Logger

	if cfg.Campaign.ResumeOnStart {
		if err := w.resume(ctx); err != nil && ctx.Err() == nil {
			logger.Error("campaign worker: resume", zap.Error(err))
		}
	}

	reader := w.container.Kafka.NewReader(cfg.Kafka.CampaignTopic, cfg.Kafka.ConsumerGroupID)
	defer reader.Close()
	// in-flight runs commit through the reader, so they finish before it closes
	defer w.wg.Wait()
	logger.Info("campaign worker: consuming", zap.String("topic", cfg.Kafka.CampaignTopic))

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("campaign worker: fetch message", zap.Error(err))
			continue
		}

		var msg queue.CampaignDispatchMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil || msg.CampaignID == uuid.Nil {
			logger.Error("campaign worker: undecodable message", zap.Error(err), zap.Int64("offset", m.Offset))
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		if !w.acquireSlot(ctx) {
			return ctx.Err()
		}
		w.wg.Add(1)
		go func(m kafka.Message, id uuid.UUID) {
			defer w.wg.Done()
			defer w.releaseSlot()
			if err := w.handler.Process(ctx, m, id); err != nil {
				// left uncommitted; the campaign stays running and is resumed on restart
				logger.Error("campaign worker: run", zap.Error(err), zap.String("campaign_id", id.String()))
				return
			}
			if err := reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
				logger.Error("campaign worker: commit", zap.Error(err))
			}
		}(m, msg.CampaignID)
	}
}

func (w *Worker) resume(ctx context.Context) error {
	campaigns, err := w.container.Repositories().Campaigns.ListByStatus(ctx, domain.CampaignStatusRunning, resumeBatch)
	if err != nil {
		return fmt.Errorf("list running campaigns: %w", err)
	}
	for _, c := range campaigns {
		if !w.acquireSlot(ctx) {
			return ctx.Err()
		}
		w.container.Logger.Info("campaign worker: resuming", zap.String("campaign_id", c.ID.String()))
		w.wg.Add(1)
		go func(id uuid.UUID) {
			defer w.wg.Done()
			defer w.releaseSlot()
			if err := w.runCampaign(ctx, id); err != nil && ctx.Err() == nil {
				w.container.Logger.Error("campaign worker: resume run", zap.Error(err), zap.String("campaign_id", id.String()))
			}
		}(c.ID)
	}
	return nil
}

// runCampaign holds the campaign lease for the duration of the dispatcher run.
// Losing the lease cancels the run.
func (w *Worker) runCampaign(ctx context.Context, campaignID uuid.UUID) error {
	tracer := otel.Tracer("outbound.campaignworker")
	sctx, span := tracer.Start(ctx, "campaign.run", trace.WithAttributes(
		attribute.String("campaign.id", campaignID.String()),
	))
	defer span.End()

	logger := w.container.Logger
	lease, ok, err := w.container.Leaser().Acquire(sctx, campaignID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		logger.Info("campaign worker: campaign owned by another instance", zap.String("campaign_id", campaignID.String()))
		span.SetAttributes(attribute.Bool("lease.held_elsewhere", true))
		return nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(sctx)); err != nil {
			logger.Warn("campaign worker: release lease", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(sctx)
	defer cancel()
	go lease.Keep(runCtx, func(err error) {
		logger.Error("campaign worker: lease lost", zap.Error(err), zap.String("campaign_id", campaignID.String()))
		cancel()
	})

	if err := w.container.Services().Dispatcher.Run(runCtx, campaignID); err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			telemetry.ReportError(sctx, err, map[string]string{"campaign_id": campaignID.String()})
		}
		return err
	}
	return nil
}

func (w *Worker) acquireSlot(ctx context.Context) bool {
	select {
	case w.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) releaseSlot() {
	<-w.slots
}
