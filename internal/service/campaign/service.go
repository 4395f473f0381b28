package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/queue"
	"github.com/acme/outbound-followup-engine/internal/repository"
	"github.com/acme/outbound-followup-engine/internal/service/common"
	"github.com/acme/outbound-followup-engine/internal/service/template"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

// Publisher hands a started campaign to the engine.
type Publisher interface {
	PublishCampaign(ctx context.Context, msg queue.CampaignDispatchMessage) error
}

// Resolver expands targeting into recipients.
type Resolver interface {
	Resolve(ctx context.Context, targeting domain.Targeting) ([]domain.Recipient, error)
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo         repository.CampaignRepository
	statsRepo    repository.CampaignStatisticsRepository
	recipients   repository.RecipientRepository
	templates    repository.TemplateRepository
	dispatches   repository.DispatchStore
	resolver     Resolver
	publisher    Publisher
	clock        clock.Clock
	defaultDelay time.Duration
}

// Deps groups the collaborators of the campaign service.
type Deps struct {
	Campaigns    repository.CampaignRepository
	Stats        repository.CampaignStatisticsRepository
	Recipients   repository.RecipientRepository
	Templates    repository.TemplateRepository
	Dispatches   repository.DispatchStore
	Resolver     Resolver
	Publisher    Publisher
	Clock        clock.Clock
	DefaultDelay time.Duration
}

// NewService constructs a campaign service.
func NewService(d Deps) *Service {
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		repo:         d.Campaigns,
		statsRepo:    d.Stats,
		recipients:   d.Recipients,
		templates:    d.Templates,
		dispatches:   d.Dispatches,
		resolver:     d.Resolver,
		publisher:    d.Publisher,
		clock:        clk,
		defaultDelay: d.DefaultDelay,
	}
}

// StartInput captures a bulk-send request.
type StartInput struct {
	Name         string
	TemplateName string
	LanguageCode string
	ListID       *uuid.UUID
	Numbers      []string
	ImageURL     string
	BodyParams   []string
	MessageDelay *time.Duration
}

// StatusView is the poll-friendly campaign progress.
type StatusView struct {
	ID     uuid.UUID
	Status domain.CampaignStatus
	Total  int64
	Sent   int64
	Failed int64
}

// Start accepts a campaign, resolves and validates it, and hands it to the
// engine. Input errors leave the campaign failed and nothing is sent.
func (s *Service) Start(ctx context.Context, input StartInput) (*domain.Campaign, error) {
	if err := validateStartInput(input); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	delay := s.defaultDelay
	if input.MessageDelay != nil {
		delay = *input.MessageDelay
	}
	campaign := &domain.Campaign{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(input.Name),
		TemplateName: input.TemplateName,
		LanguageCode: input.LanguageCode,
		Targeting:    domain.Targeting{ListID: input.ListID, Numbers: input.Numbers},
		ImageURL:     input.ImageURL,
		BodyParams:   input.BodyParams,
		MessageDelay: delay,
		Status:       domain.CampaignStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	if err := s.statsRepo.Ensure(ctx, campaign.ID); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}

	recipients, err := s.prepare(ctx, campaign)
	if err != nil {
		if apperrors.IsInputError(err) {
			if ferr := s.fail(ctx, campaign, err); ferr != nil {
				return nil, ferr
			}
		}
		return nil, err
	}

	if err := s.recipients.BulkInsert(ctx, campaign.ID, recipients); err != nil {
		return nil, fmt.Errorf("campaign service: store recipients: %w", err)
	}
	total := int64(len(recipients))
	if err := s.statsRepo.ApplyDelta(ctx, campaign.ID, repository.StatsDelta{TotalDelta: total}); err != nil {
		return nil, fmt.Errorf("campaign service: set total: %w", err)
	}

	started := s.clock.Now().UTC()
	campaign.Status = domain.CampaignStatusRunning
	campaign.StartedAt = &started
	campaign.UpdatedAt = started
	campaign.Stats = domain.CampaignStats{Total: total}
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: mark running: %w", err)
	}

	msg := queue.CampaignDispatchMessage{CampaignID: campaign.ID, EnqueuedAt: started}
	if err := s.publisher.PublishCampaign(ctx, msg); err != nil {
		// the campaign stays running and is picked up when the engine resumes
		return nil, fmt.Errorf("campaign service: publish dispatch: %w", err)
	}

	return campaign, nil
}

func (s *Service) prepare(ctx context.Context, campaign *domain.Campaign) ([]domain.Recipient, error) {
	tpl, err := s.templates.Get(ctx, campaign.TemplateName, campaign.LanguageCode)
	if err != nil {
		if apperrors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrTemplateNotFound, campaign.TemplateName)
		}
		return nil, fmt.Errorf("campaign service: load template: %w", err)
	}
	if campaign.LanguageCode == "" {
		campaign.LanguageCode = tpl.Language
	}

	recipients, err := s.resolver.Resolve(ctx, campaign.Targeting)
	if err != nil {
		return nil, err
	}

	params := template.Params{ImageURL: campaign.ImageURL, BodyParams: campaign.BodyParams}
	if err := template.Validate(*tpl, params); err != nil {
		return nil, err
	}
	return recipients, nil
}

func (s *Service) fail(ctx context.Context, campaign *domain.Campaign, cause error) error {
	now := s.clock.Now().UTC()
	campaign.Status = domain.CampaignStatusFailed
	campaign.FailureReason = cause.Error()
	campaign.UpdatedAt = now
	campaign.CompletedAt = &now
	if err := s.repo.Update(ctx, campaign); err != nil {
		return fmt.Errorf("campaign service: mark failed: %w", err)
	}
	return nil
}

// Get retrieves a campaign with its counters.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.statsRepo.Get(ctx, id)
	if err != nil && !apperrors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("campaign service: load stats: %w", err)
	}
	if stats != nil {
		campaign.Stats = *stats
	}
	return campaign, nil
}

// Status returns the status and counters of a campaign.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:     campaign.ID,
		Status: campaign.Status,
		Total:  campaign.Stats.Total,
		Sent:   campaign.Stats.Sent,
		Failed: campaign.Stats.Failed,
	}, nil
}

// List returns campaigns ordered by id.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	campaigns, err := s.repo.List(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	return campaigns, nil
}

// DispatchPage is one page of campaign dispatch records.
type DispatchPage struct {
	Records   []domain.DispatchRecord
	NextToken string
}

// ListDispatches pages through the delivery records of a campaign.
func (s *Service) ListDispatches(ctx context.Context, id uuid.UUID, limit int, token string) (*DispatchPage, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	state, err := common.DecodePageToken(token)
	if err != nil {
		return nil, err
	}
	records, next, err := s.dispatches.List(ctx, id, limit, state)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list dispatches: %w", err)
	}
	return &DispatchPage{Records: records, NextToken: common.EncodePageToken(next)}, nil
}

func validateStartInput(input StartInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(input.TemplateName) == "" {
		return fmt.Errorf("%w: template name is required", apperrors.ErrValidation)
	}
	if input.ListID != nil && len(input.Numbers) > 0 {
		return fmt.Errorf("%w: targeting accepts either list_id or numbers, not both", apperrors.ErrValidation)
	}
	if input.MessageDelay != nil && *input.MessageDelay < 0 {
		return fmt.Errorf("%w: message delay must not be negative", apperrors.ErrValidation)
	}
	return nil
}
