package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/queue"
)

type replyEventRequest struct {
	RecipientID string `json:"recipient_id"`
}

type triggerEventRequest struct {
	RecipientID string            `json:"recipient_id"`
	SequenceID  *uuid.UUID        `json:"sequence_id"`
	TriggerType string            `json:"trigger_type"`
	Keyword     string            `json:"keyword"`
	Context     map[string]string `json:"context"`
}

// publishReply enqueues a reply event. Pending follow-ups of the recipient are
// canceled once the event worker applies it.
func (h *HandlerSet) publishReply(ctx *fiber.Ctx) error {
	var req replyEventRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	recipientID := strings.TrimSpace(req.RecipientID)
	if recipientID == "" {
		return fiber.NewError(http.StatusBadRequest, "recipient_id is required")
	}

	return h.publish(ctx, queue.ConversationEvent{
		Type:        queue.EventReply,
		RecipientID: recipientID,
	})
}

func (h *HandlerSet) publishTrigger(ctx *fiber.Ctx) error {
	var req triggerEventRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	recipientID := strings.TrimSpace(req.RecipientID)
	if recipientID == "" {
		return fiber.NewError(http.StatusBadRequest, "recipient_id is required")
	}
	switch {
	case req.SequenceID != nil:
	case req.TriggerType != "":
		if !domain.TriggerType(req.TriggerType).Valid() {
			return fiber.NewError(http.StatusBadRequest, "unknown trigger_type")
		}
	default:
		return fiber.NewError(http.StatusBadRequest, "sequence_id or trigger_type is required")
	}

	return h.publish(ctx, queue.ConversationEvent{
		Type:        queue.EventTrigger,
		RecipientID: recipientID,
		SequenceID:  req.SequenceID,
		TriggerType: req.TriggerType,
		Keyword:     req.Keyword,
		Context:     req.Context,
	})
}

func (h *HandlerSet) publish(ctx *fiber.Ctx, evt queue.ConversationEvent) error {
	evt.OccurredAt = h.container.Clock.Now().UTC()
	if err := h.events.PublishEvent(ctx.Context(), evt); err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}
