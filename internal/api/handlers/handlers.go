package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/app"
	"github.com/acme/outbound-followup-engine/internal/queue"
	campaignsvc "github.com/acme/outbound-followup-engine/internal/service/campaign"
	"github.com/acme/outbound-followup-engine/internal/service/followup"
	sequencesvc "github.com/acme/outbound-followup-engine/internal/service/sequence"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	campaigns *campaignsvc.Service
	sequences *sequencesvc.Service
	engine    *followup.Engine
	events    *queue.EventPublisher
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	return &HandlerSet{
		container: container,
		campaigns: services.Campaign,
		sequences: services.Sequence,
		engine:    services.Engine,
		events:    container.Publishers().Events,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.startCampaign)
	campaigns.Post("/upload", h.uploadCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Get("/:id/status", h.campaignStatus)
	campaigns.Get("/:id/dispatches", h.listDispatches)

	sequences := v1.Group("/sequences")
	sequences.Put("/", h.saveSequence)
	sequences.Get("/", h.listSequences)
	sequences.Get("/:id", h.getSequence)
	sequences.Post("/:id/enable", h.enableSequence)
	sequences.Post("/:id/disable", h.disableSequence)
	sequences.Get("/:id/activations/:recipient", h.activationState)

	events := v1.Group("/events")
	events.Post("/reply", h.publishReply)
	events.Post("/trigger", h.publishTrigger)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, err := range h.container.Check(healthCtx) {
		if err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
