package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Ensure ensures a row exists for the campaign.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id)
		VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT total, sent, failed
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var rec struct {
		Total  int64 `db:"total"`
		Sent   int64 `db:"sent"`
		Failed int64 `db:"failed"`
	}
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	return &domain.CampaignStats{Total: rec.Total, Sent: rec.Sent, Failed: rec.Failed}, nil
}

// ApplyDelta applies counter deltas atomically.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaign_statistics SET
		total = total + $2,
		sent = sent + $3,
		failed = failed + $4,
		updated_at = NOW()
	WHERE campaign_id = $1`,
		campaignID,
		delta.TotalDelta,
		delta.SentDelta,
		delta.FailedDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return nil
}

// Set overwrites the counters, used when reconciling against dispatch records.
func (r *CampaignStatisticsRepository) Set(ctx context.Context, campaignID uuid.UUID, stats domain.CampaignStats) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id, total, sent, failed, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (campaign_id) DO UPDATE SET
			total = EXCLUDED.total,
			sent = EXCLUDED.sent,
			failed = EXCLUDED.failed,
			updated_at = EXCLUDED.updated_at`,
		campaignID, stats.Total, stats.Sent, stats.Failed)
	if err != nil {
		return fmt.Errorf("campaign stats: set: %w", err)
	}
	return nil
}
