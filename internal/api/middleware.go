package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/pkg/logger"
)

// requestLogger logs one line per request with the trace id otelfiber put on
// the context.
func requestLogger(log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		l := log.WithContext(c.UserContext())
		if status >= fiber.StatusInternalServerError {
			l.Warn("http request", fields...)
		} else if c.Path() != "/healthz" {
			l.Debug("http request", fields...)
		}
		return err
	}
}
