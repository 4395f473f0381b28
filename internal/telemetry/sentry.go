package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/acme/outbound-followup-engine/internal/config"
)

// SetupSentry initializes error reporting. An empty DSN disables it and
// ReportError becomes a no-op.
func SetupSentry(cfg config.SentryConfig, app config.AppConfig) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      app.Env,
		Release:          app.Name + "@" + app.Version,
		EnableTracing:    cfg.TracesSampleRate > 0,
		TracesSampleRate: cfg.TracesSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// ReportError forwards an unexpected failure to Sentry with optional tags.
func ReportError(ctx context.Context, err error, tags map[string]string) {
	if err == nil || sentry.CurrentHub().Client() == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			scope.SetTag("trace_id", sc.TraceID().String())
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}
