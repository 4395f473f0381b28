package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/domain"
	campaignsvc "github.com/acme/outbound-followup-engine/internal/service/campaign"
	"github.com/acme/outbound-followup-engine/internal/service/recipient"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

type startCampaignRequest struct {
	Name         string     `json:"name"`
	TemplateName string     `json:"template_name"`
	LanguageCode string     `json:"language_code"`
	ListID       *uuid.UUID `json:"list_id"`
	Numbers      []string   `json:"numbers"`
	ImageURL     string     `json:"image_url"`
	BodyParams   []string   `json:"body_params"`
	MessageDelay string     `json:"message_delay"`
}

type campaignResponse struct {
	ID            uuid.UUID             `json:"id"`
	Name          string                `json:"name"`
	TemplateName  string                `json:"template_name"`
	LanguageCode  string                `json:"language_code"`
	ListID        *uuid.UUID            `json:"list_id,omitempty"`
	Numbers       []string              `json:"numbers,omitempty"`
	ImageURL      string                `json:"image_url,omitempty"`
	BodyParams    []string              `json:"body_params,omitempty"`
	MessageDelay  string                `json:"message_delay"`
	Status        domain.CampaignStatus `json:"status"`
	FailureReason string                `json:"failure_reason,omitempty"`
	Stats         campaignStatsResponse `json:"stats"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

type campaignStatsResponse struct {
	Total  int64 `json:"total"`
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

type campaignStatusResponse struct {
	ID     uuid.UUID             `json:"id"`
	Status domain.CampaignStatus `json:"status"`
	campaignStatsResponse
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type dispatchResponse struct {
	Recipient         string             `json:"recipient"`
	Step              int                `json:"step"`
	Outcome           domain.OutcomeKind `json:"outcome"`
	ProviderMessageID string             `json:"provider_message_id,omitempty"`
	Reason            string             `json:"reason,omitempty"`
	Attempts          int                `json:"attempts"`
	SentAt            time.Time          `json:"sent_at"`
}

type listDispatchesResponse struct {
	Dispatches []dispatchResponse `json:"dispatches"`
	NextPage   string             `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	var req startCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toStartInput(req)
	if err != nil {
		return translateError(err)
	}

	return h.start(ctx, input)
}

// uploadCampaign accepts a multipart form with a "file" workbook of numbers
// and the remaining campaign fields as form values.
func (h *HandlerSet) uploadCampaign(ctx *fiber.Ctx) error {
	header, err := ctx.FormFile("file")
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "file is required")
	}
	file, err := header.Open()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "unreadable upload")
	}
	defer file.Close()

	numbers, err := recipient.ParseNumbersXLSX(file)
	if err != nil {
		return translateError(err)
	}

	req := startCampaignRequest{
		Name:         ctx.FormValue("name"),
		TemplateName: ctx.FormValue("template_name"),
		LanguageCode: ctx.FormValue("language_code"),
		ImageURL:     ctx.FormValue("image_url"),
		MessageDelay: ctx.FormValue("message_delay"),
		Numbers:      numbers,
	}
	if params := ctx.FormValue("body_params"); params != "" {
		req.BodyParams = strings.Split(params, ",")
	}

	input, err := toStartInput(req)
	if err != nil {
		return translateError(err)
	}
	return h.start(ctx, input)
}

func (h *HandlerSet) start(ctx *fiber.Ctx, input campaignsvc.StartInput) error {
	campaign, err := h.campaigns.Start(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}

	campaigns, err := h.campaigns.List(ctx.Context(), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStatus(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}

	view, err := h.campaigns.Status(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(campaignStatusResponse{
		ID:     view.ID,
		Status: view.Status,
		campaignStatsResponse: campaignStatsResponse{
			Total:  view.Total,
			Sent:   view.Sent,
			Failed: view.Failed,
		},
	})
}

func (h *HandlerSet) listDispatches(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	page, err := h.campaigns.ListDispatches(ctx.Context(), id, limit, ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	resp := listDispatchesResponse{
		Dispatches: make([]dispatchResponse, 0, len(page.Records)),
		NextPage:   page.NextToken,
	}
	for _, rec := range page.Records {
		resp.Dispatches = append(resp.Dispatches, dispatchResponse{
			Recipient:         rec.Recipient,
			Step:              rec.Step,
			Outcome:           rec.Outcome,
			ProviderMessageID: rec.ProviderMessageID,
			Reason:            rec.Reason,
			Attempts:          rec.Attempts,
			SentAt:            rec.SentAt,
		})
	}
	return ctx.JSON(resp)
}

func toStartInput(req startCampaignRequest) (campaignsvc.StartInput, error) {
	input := campaignsvc.StartInput{
		Name:         req.Name,
		TemplateName: req.TemplateName,
		LanguageCode: req.LanguageCode,
		ListID:       req.ListID,
		Numbers:      req.Numbers,
		ImageURL:     req.ImageURL,
		BodyParams:   req.BodyParams,
	}
	if req.MessageDelay != "" {
		delay, err := time.ParseDuration(req.MessageDelay)
		if err != nil {
			return input, fmt.Errorf("%w: invalid message_delay", apperrors.ErrValidation)
		}
		input.MessageDelay = &delay
	}
	return input, nil
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:            c.ID,
		Name:          c.Name,
		TemplateName:  c.TemplateName,
		LanguageCode:  c.LanguageCode,
		ListID:        c.Targeting.ListID,
		Numbers:       c.Targeting.Numbers,
		ImageURL:      c.ImageURL,
		BodyParams:    c.BodyParams,
		MessageDelay:  c.MessageDelay.String(),
		Status:        c.Status,
		FailureReason: c.FailureReason,
		Stats: campaignStatsResponse{
			Total:  c.Stats.Total,
			Sent:   c.Stats.Sent,
			Failed: c.Stats.Failed,
		},
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
}

func parseUUIDParam(ctx *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params(name))
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}
