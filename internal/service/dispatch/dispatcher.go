package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/provider"
	"github.com/acme/outbound-followup-engine/internal/repository"
	"github.com/acme/outbound-followup-engine/internal/service/sender"
	"github.com/acme/outbound-followup-engine/internal/service/template"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
	"github.com/acme/outbound-followup-engine/pkg/logger"
)

const pageSize = 500

// Dispatcher drives one campaign through the sender, one recipient at a time.
// The caller guarantees a single Dispatcher per campaign.
type Dispatcher struct {
	campaigns  repository.CampaignRepository
	stats      repository.CampaignStatisticsRepository
	recipients repository.RecipientRepository
	templates  repository.TemplateRepository
	dispatches repository.DispatchStore
	sender     sender.Sender
	clock      clock.Clock
	log        *logger.Logger
}

// Deps groups the collaborators of the dispatcher.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Stats      repository.CampaignStatisticsRepository
	Recipients repository.RecipientRepository
	Templates  repository.TemplateRepository
	Dispatches repository.DispatchStore
	Sender     sender.Sender
	Clock      clock.Clock
	Logger     *logger.Logger
}

// NewDispatcher constructs a campaign dispatcher.
func NewDispatcher(d Deps) *Dispatcher {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	return &Dispatcher{
		campaigns:  d.Campaigns,
		stats:      d.Stats,
		recipients: d.Recipients,
		templates:  d.Templates,
		dispatches: d.Dispatches,
		sender:     d.Sender,
		clock:      d.Clock,
		log:        d.Logger,
	}
}

// Run sends the campaign to every recipient without a dispatch record and
// completes it. Per-recipient failures are counted, never returned. A returned
// error leaves the campaign running so it can be resumed.
func (d *Dispatcher) Run(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("dispatcher: load campaign: %w", err)
	}
	switch campaign.Status {
	case domain.CampaignStatusRunning:
	case domain.CampaignStatusCompleted:
		return nil
	default:
		return fmt.Errorf("%w: campaign %s is %s", apperrors.ErrConflict, campaignID, campaign.Status)
	}

	tpl, err := d.templates.Get(ctx, campaign.TemplateName, campaign.LanguageCode)
	if err != nil {
		return fmt.Errorf("dispatcher: load template: %w", err)
	}
	components := template.BuildComponents(*tpl, template.Params{
		ImageURL:   campaign.ImageURL,
		BodyParams: campaign.BodyParams,
	})

	log := d.log.WithContext(ctx).With(zap.String("campaign_id", campaignID.String()))

	var (
		total   int64
		after   int
		paced   bool
		skipped int
	)
	for {
		batch, err := d.recipients.ListByCampaign(ctx, campaignID, after, pageSize)
		if err != nil {
			return fmt.Errorf("dispatcher: list recipients: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, rcpt := range batch {
			after = rcpt.Position
			total++

			key := domain.DispatchKey{OwnerID: campaignID, Recipient: rcpt.PhoneNumber, Step: domain.CampaignStep}
			done, err := d.recorded(ctx, key)
			if err != nil {
				return err
			}
			if done {
				skipped++
				continue
			}

			if paced && campaign.MessageDelay > 0 {
				if err := d.clock.Sleep(ctx, campaign.MessageDelay); err != nil {
					return err
				}
			}
			paced = true

			out := d.sender.Send(ctx, provider.Message{
				To:           rcpt.PhoneNumber,
				TemplateName: campaign.TemplateName,
				LanguageCode: campaign.LanguageCode,
				Components:   components,
			})
			if !out.Kind.Delivered() && ctx.Err() != nil {
				return ctx.Err()
			}

			if err := d.record(ctx, key, out); err != nil {
				return err
			}
			if !out.Kind.Delivered() {
				log.Debug("recipient failed",
					zap.String("to", rcpt.PhoneNumber),
					zap.String("outcome", string(out.Kind)),
					zap.String("reason", out.Reason))
			}
		}
	}

	tally, err := d.dispatches.Tally(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("dispatcher: tally: %w", err)
	}
	stats := domain.CampaignStats{Total: total, Sent: tally.Accepted, Failed: tally.Failed}
	if err := d.stats.Set(ctx, campaignID, stats); err != nil {
		return fmt.Errorf("dispatcher: reconcile stats: %w", err)
	}

	now := d.clock.Now().UTC()
	campaign.Status = domain.CampaignStatusCompleted
	campaign.CompletedAt = &now
	campaign.UpdatedAt = now
	campaign.Stats = stats
	if err := d.campaigns.Update(ctx, campaign); err != nil {
		return fmt.Errorf("dispatcher: mark completed: %w", err)
	}

	log.Info("campaign completed",
		zap.Int64("total", stats.Total),
		zap.Int64("sent", stats.Sent),
		zap.Int64("failed", stats.Failed),
		zap.Int("skipped", skipped))
	return nil
}

func (d *Dispatcher) recorded(ctx context.Context, key domain.DispatchKey) (bool, error) {
	_, err := d.dispatches.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if apperrors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("dispatcher: check dispatch record: %w", err)
}

func (d *Dispatcher) record(ctx context.Context, key domain.DispatchKey, out sender.Outcome) error {
	inserted, err := d.dispatches.Record(ctx, domain.DispatchRecord{
		DispatchKey:       key,
		OwnerKind:         domain.OwnerCampaign,
		Outcome:           out.Kind,
		ProviderMessageID: out.ProviderMessageID,
		Reason:            out.Reason,
		Attempts:          out.Attempts,
		SentAt:            out.SentAt,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: record dispatch: %w", err)
	}
	if !inserted {
		return nil
	}

	delta := repository.StatsDelta{FailedDelta: 1}
	if out.Kind.Delivered() {
		delta = repository.StatsDelta{SentDelta: 1}
	}
	if err := d.stats.ApplyDelta(ctx, key.OwnerID, delta); err != nil {
		return fmt.Errorf("dispatcher: update stats: %w", err)
	}
	return nil
}
