package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/app"
	"github.com/acme/outbound-followup-engine/internal/scheduler"
	"github.com/acme/outbound-followup-engine/internal/telemetry"
	campaignworker "github.com/acme/outbound-followup-engine/internal/worker/campaign"
	eventworker "github.com/acme/outbound-followup-engine/internal/worker/events"
)

type runner interface {
	Run(ctx context.Context) error
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	migrate := flag.Bool("migrate", true, "apply database schema before starting")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "engine")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	flush, err := telemetry.SetupSentry(container.Config.Sentry, container.Config.App)
	if err != nil {
		log.Fatalf("failed to initialize sentry: %v", err)
	}
	defer flush()

	if *migrate {
		if err := container.Migrate(ctx); err != nil {
			log.Fatalf("failed to apply schema: %v", err)
		}
	}

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	runners := map[string]runner{
		"scheduler": scheduler.New(
			container.Repositories().Activations,
			container.Services().Engine,
			container.Clock,
			container.Config.Scheduler,
			container.Logger.Named("scheduler"),
		),
		"campaign-worker": campaignworker.New(container),
		"event-worker":    eventworker.New(container),
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, len(runners))
	for name, r := range runners {
		wg.Add(1)
		go func(name string, r runner) {
			defer wg.Done()
			if err := r.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				container.Logger.Error("engine component stopped", zap.String("component", name), zap.Error(err))
				errCh <- err
				stop()
			}
		}(name, r)
	}

	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		log.Fatalf("engine terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
