package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
)

const campaignColumns = `id, name, template_name, language_code, list_id, numbers, image_url, body_params,
	message_delay_ms, status, failure_reason, created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :name, :template_name, :language_code, :list_id, :numbers, :image_url, :body_params,
		:message_delay_ms, :status, :failure_reason, :created_at, :updated_at, :started_at, :completed_at
	)`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}
	params["created_at"] = campaign.CreatedAt

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign, err := record.toDomain()
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

// Update replaces the mutable campaign fields.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		template_name = :template_name,
		language_code = :language_code,
		list_id = :list_id,
		numbers = :numbers,
		image_url = :image_url,
		body_params = :body_params,
		message_delay_ms = :message_delay_ms,
		status = :status,
		failure_reason = :failure_reason,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
	 WHERE id = :id`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns campaigns with optional pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	return scanCampaigns(rows)
}

// ListByStatus returns campaigns filtered by status, least recently updated first.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	return scanCampaigns(rows)
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func campaignParams(c *domain.Campaign) (map[string]any, error) {
	numbers, err := json.Marshal(nonNilStrings(c.Targeting.Numbers))
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal numbers: %w", err)
	}
	bodyParams, err := json.Marshal(nonNilStrings(c.BodyParams))
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal body params: %w", err)
	}
	return map[string]any{
		"id":               c.ID,
		"name":             c.Name,
		"template_name":    c.TemplateName,
		"language_code":    c.LanguageCode,
		"list_id":          c.Targeting.ListID,
		"numbers":          numbers,
		"image_url":        c.ImageURL,
		"body_params":      bodyParams,
		"message_delay_ms": c.MessageDelay.Milliseconds(),
		"status":           c.Status,
		"failure_reason":   c.FailureReason,
		"updated_at":       c.UpdatedAt,
		"started_at":       c.StartedAt,
		"completed_at":     c.CompletedAt,
	}, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

type campaignRecord struct {
	ID             uuid.UUID     `db:"id"`
	Name           string        `db:"name"`
	TemplateName   string        `db:"template_name"`
	LanguageCode   string        `db:"language_code"`
	ListID         uuid.NullUUID `db:"list_id"`
	Numbers        []byte        `db:"numbers"`
	ImageURL       string        `db:"image_url"`
	BodyParams     []byte        `db:"body_params"`
	MessageDelayMs int64         `db:"message_delay_ms"`
	Status         string        `db:"status"`
	FailureReason  string        `db:"failure_reason"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
	StartedAt      sql.NullTime  `db:"started_at"`
	CompletedAt    sql.NullTime  `db:"completed_at"`
}

func (r campaignRecord) toDomain() (domain.Campaign, error) {
	campaign := domain.Campaign{
		ID:            r.ID,
		Name:          r.Name,
		TemplateName:  r.TemplateName,
		LanguageCode:  r.LanguageCode,
		ImageURL:      r.ImageURL,
		MessageDelay:  time.Duration(r.MessageDelayMs) * time.Millisecond,
		Status:        domain.CampaignStatus(r.Status),
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		StartedAt:     nullTime(r.StartedAt),
		CompletedAt:   nullTime(r.CompletedAt),
	}
	if r.ListID.Valid {
		id := r.ListID.UUID
		campaign.Targeting.ListID = &id
	}
	if len(r.Numbers) > 0 {
		if err := json.Unmarshal(r.Numbers, &campaign.Targeting.Numbers); err != nil {
			return domain.Campaign{}, fmt.Errorf("campaign repo: decode numbers: %w", err)
		}
	}
	if len(r.BodyParams) > 0 {
		if err := json.Unmarshal(r.BodyParams, &campaign.BodyParams); err != nil {
			return domain.Campaign{}, fmt.Errorf("campaign repo: decode body params: %w", err)
		}
	}
	return campaign, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
