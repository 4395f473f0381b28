package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/domain"
	sequencesvc "github.com/acme/outbound-followup-engine/internal/service/sequence"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

type sequenceRequest struct {
	ID             *uuid.UUID         `json:"id"`
	Name           string             `json:"name"`
	TriggerType    domain.TriggerType `json:"trigger_type"`
	TriggerKeyword string             `json:"trigger_keyword"`
	Strategy       domain.Strategy    `json:"strategy"`
	Enabled        *bool              `json:"enabled"`
	Conditions     conditionsDTO      `json:"conditions"`
	Steps          []stepDTO          `json:"steps"`
}

type conditionsDTO struct {
	BusinessHoursOnly        bool   `json:"business_hours_only"`
	Weekdays                 []int  `json:"weekdays,omitempty"`
	StartHour                int    `json:"start_hour"`
	EndHour                  int    `json:"end_hour"`
	TimeZone                 string `json:"time_zone,omitempty"`
	MaxFollowUpsPerRecipient int    `json:"max_follow_ups_per_recipient"`
}

type stepDTO struct {
	Order        int              `json:"order"`
	DelayAmount  int              `json:"delay_amount"`
	DelayUnit    domain.DelayUnit `json:"delay_unit"`
	Message      string           `json:"message,omitempty"`
	TemplateName string           `json:"template_name,omitempty"`
	LanguageCode string           `json:"language_code,omitempty"`
}

type sequenceResponse struct {
	ID             uuid.UUID          `json:"id"`
	Name           string             `json:"name"`
	TriggerType    domain.TriggerType `json:"trigger_type"`
	TriggerKeyword string             `json:"trigger_keyword,omitempty"`
	Strategy       domain.Strategy    `json:"strategy"`
	Enabled        bool               `json:"enabled"`
	Conditions     conditionsDTO      `json:"conditions"`
	Steps          []stepDTO          `json:"steps"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

type activationResponse struct {
	ID           uuid.UUID               `json:"id"`
	SequenceID   uuid.UUID               `json:"sequence_id"`
	RecipientID  string                  `json:"recipient_id"`
	CurrentStep  int                     `json:"current_step"`
	Status       domain.ActivationStatus `json:"status"`
	NextFireAt   time.Time               `json:"next_fire_at"`
	StepsSent    int                     `json:"steps_sent"`
	CancelReason string                  `json:"cancel_reason,omitempty"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

func (h *HandlerSet) saveSequence(ctx *fiber.Ctx) error {
	var req sequenceRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toSequenceInput(req)
	if err != nil {
		return translateError(err)
	}

	seq, err := h.sequences.CreateOrUpdate(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toSequenceResponse(seq))
}

func (h *HandlerSet) listSequences(ctx *fiber.Ctx) error {
	sequences, err := h.sequences.List(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	resp := make([]sequenceResponse, 0, len(sequences))
	for _, seq := range sequences {
		resp = append(resp, toSequenceResponse(seq))
	}
	return ctx.JSON(fiber.Map{"sequences": resp})
}

func (h *HandlerSet) getSequence(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	seq, err := h.sequences.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toSequenceResponse(seq))
}

func (h *HandlerSet) enableSequence(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	if err := h.sequences.Enable(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"id": id, "enabled": true})
}

func (h *HandlerSet) disableSequence(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	canceled, err := h.sequences.Disable(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"id": id, "enabled": false, "canceled_activations": canceled})
}

func (h *HandlerSet) activationState(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	recipientID := ctx.Params("recipient")
	if recipientID == "" {
		return fiber.NewError(http.StatusBadRequest, "recipient is required")
	}

	a, err := h.engine.ActivationState(ctx.Context(), id, recipientID)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(activationResponse{
		ID:           a.ID,
		SequenceID:   a.SequenceID,
		RecipientID:  a.RecipientID,
		CurrentStep:  a.CurrentStep,
		Status:       a.Status,
		NextFireAt:   a.NextFireAt,
		StepsSent:    a.StepsSent,
		CancelReason: a.CancelReason,
		UpdatedAt:    a.UpdatedAt,
	})
}

func toSequenceInput(req sequenceRequest) (sequencesvc.Input, error) {
	weekdays := make([]time.Weekday, 0, len(req.Conditions.Weekdays))
	for _, d := range req.Conditions.Weekdays {
		if d < 0 || d > 6 {
			return sequencesvc.Input{}, fmt.Errorf("%w: weekday %d out of range", apperrors.ErrValidation, d)
		}
		weekdays = append(weekdays, time.Weekday(d))
	}

	input := sequencesvc.Input{
		ID:             req.ID,
		Name:           req.Name,
		TriggerType:    req.TriggerType,
		TriggerKeyword: req.TriggerKeyword,
		Strategy:       req.Strategy,
		Enabled:        req.Enabled,
		Conditions: domain.Conditions{
			Window: domain.SendWindow{
				BusinessHoursOnly: req.Conditions.BusinessHoursOnly,
				Weekdays:          weekdays,
				StartHour:         req.Conditions.StartHour,
				EndHour:           req.Conditions.EndHour,
				TimeZone:          req.Conditions.TimeZone,
			},
			MaxFollowUpsPerRecipient: req.Conditions.MaxFollowUpsPerRecipient,
		},
	}
	for _, st := range req.Steps {
		input.Steps = append(input.Steps, sequencesvc.StepInput{
			Order:        st.Order,
			DelayAmount:  st.DelayAmount,
			DelayUnit:    st.DelayUnit,
			Message:      st.Message,
			TemplateName: st.TemplateName,
			LanguageCode: st.LanguageCode,
		})
	}
	return input, nil
}

func toSequenceResponse(seq *domain.Sequence) sequenceResponse {
	w := seq.Conditions.Window
	weekdays := make([]int, 0, len(w.Weekdays))
	for _, d := range w.Weekdays {
		weekdays = append(weekdays, int(d))
	}
	resp := sequenceResponse{
		ID:             seq.ID,
		Name:           seq.Name,
		TriggerType:    seq.TriggerType,
		TriggerKeyword: seq.TriggerKeyword,
		Strategy:       seq.Strategy,
		Enabled:        seq.Enabled,
		Conditions: conditionsDTO{
			BusinessHoursOnly:        w.BusinessHoursOnly,
			Weekdays:                 weekdays,
			StartHour:                w.StartHour,
			EndHour:                  w.EndHour,
			TimeZone:                 w.TimeZone,
			MaxFollowUpsPerRecipient: seq.Conditions.MaxFollowUpsPerRecipient,
		},
		Steps:     make([]stepDTO, 0, len(seq.Steps)),
		CreatedAt: seq.CreatedAt,
		UpdatedAt: seq.UpdatedAt,
	}
	for _, st := range seq.Steps {
		resp.Steps = append(resp.Steps, stepDTO{
			Order:        st.Order,
			DelayAmount:  st.DelayAmount,
			DelayUnit:    st.DelayUnit,
			Message:      st.Message,
			TemplateName: st.TemplateName,
			LanguageCode: st.LanguageCode,
		})
	}
	return resp
}
