package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/app"
	"github.com/acme/outbound-followup-engine/internal/telemetry"
)

// Worker consumes conversation events and feeds them to the follow-up engine.
type Worker struct {
	container *app.Container
	handler   *Handler
}

// New creates an event worker.
func New(container *app.Container) *Worker {
	cfg := container.Config
	handler := NewHandler(
		container.Services().Engine,
		container.Publishers().DeadLetters,
		cfg.Kafka.MaxEventAttempts,
		cfg.Sender.RetryBaseDelay,
		container.Logger,
	)
	return &Worker{container: container, handler: handler}
}

// Run processes events until the context is cancelled. Offsets are committed
// only after an event was applied or dead-lettered.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	groupID := cfg.Kafka.EventConsumerGroupID
	if groupID == "" {
		groupID = cfg.Kafka.ConsumerGroupID + "-events"
	}
	reader := w.container.Kafka.NewReader(cfg.Kafka.EventTopic, groupID)
	defer reader.Close()
	logger := w.container.Logger
	tracer := otel.Tracer("outbound.eventworker")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("event worker: fetch", zap.Error(err))
			continue
		}

		// retry in place: a later commit would otherwise skip this offset
		for {
			err := w.process(ctx, tracer, reader, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("event worker: process", zap.Error(err))
			if !sleep(ctx, w.container.Config.Sender.RetryMaxDelay) {
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, tracer trace.Tracer, reader *kafka.Reader, msg kafka.Message) error {
	sctx, span := tracer.Start(ctx, "conversation.event", trace.WithAttributes(
		attribute.String("recipient.key", string(msg.Key)),
		attribute.Int64("offset", msg.Offset),
	))
	defer span.End()

	if err := w.handler.Process(sctx, msg); err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			telemetry.ReportError(sctx, err, map[string]string{"topic": msg.Topic})
		}
		return err
	}
	if err := reader.CommitMessages(sctx, msg); err != nil {
		span.RecordError(err)
		w.container.Logger.Error("event worker: commit", zap.Error(err))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
