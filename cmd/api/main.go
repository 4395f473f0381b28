package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/outbound-followup-engine/internal/api"
	"github.com/acme/outbound-followup-engine/internal/api/handlers"
	"github.com/acme/outbound-followup-engine/internal/app"
	"github.com/acme/outbound-followup-engine/internal/telemetry"
)

func main() {
	log.Println("Starting API server...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	log.Printf("Using config file: %s", *configPath)

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	flush, err := telemetry.SetupSentry(container.Config.Sentry, container.Config.App)
	if err != nil {
		log.Fatalf("failed to initialize sentry: %v", err)
	}
	defer flush()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	handlerSet := handlers.NewHandlerSet(container)
	server := api.NewServer(container, handlerSet)

	log.Printf("Starting server on port %d...", container.Config.HTTP.Port)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
