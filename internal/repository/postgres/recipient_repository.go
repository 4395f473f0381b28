package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-followup-engine/internal/domain"
)

const recipientInsertChunk = 1000

// RecipientRepository persists the resolved recipient list of each campaign.
type RecipientRepository struct {
	db *sqlx.DB
}

// NewRecipientRepository constructs the repository.
func NewRecipientRepository(db *sqlx.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// BulkInsert inserts recipients in chunks within one transaction. Replays of
// the same positions are ignored.
func (r *RecipientRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, recipients []domain.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	query := `INSERT INTO campaign_recipients (campaign_id, position, phone_number, contact_id, attributes)
	VALUES (:campaign_id, :position, :phone_number, :contact_id, :attributes)
	ON CONFLICT (campaign_id, position) DO NOTHING`

	return withTx(ctx, r.db, "recipients: bulk insert", func(tx *sqlx.Tx) error {
		for start := 0; start < len(recipients); start += recipientInsertChunk {
			end := start + recipientInsertChunk
			if end > len(recipients) {
				end = len(recipients)
			}
			rows := make([]map[string]any, 0, end-start)
			for _, rc := range recipients[start:end] {
				attrs, err := json.Marshal(nonNilAttributes(rc.Attributes))
				if err != nil {
					return fmt.Errorf("campaign recipients: marshal attributes: %w", err)
				}
				rows = append(rows, map[string]any{
					"campaign_id":  campaignID,
					"position":     rc.Position,
					"phone_number": rc.PhoneNumber,
					"contact_id":   rc.ContactID,
					"attributes":   attrs,
				})
			}
			if _, err := tx.NamedExecContext(ctx, query, rows); err != nil {
				return fmt.Errorf("campaign recipients: bulk insert: %w", err)
			}
		}
		return nil
	})
}

// ListByCampaign pages recipients in position order.
func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, afterPosition, limit int) ([]domain.Recipient, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT position, phone_number, contact_id, attributes
		FROM campaign_recipients
		WHERE campaign_id = $1 AND position > $2
		ORDER BY position ASC
		LIMIT $3`, campaignID, afterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign recipients: list: %w", err)
	}
	defer rows.Close()

	var results []domain.Recipient
	for rows.Next() {
		var rec recipientRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaign recipients: scan: %w", err)
		}
		recipient, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, recipient)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign recipients: rows err: %w", err)
	}
	return results, nil
}

type recipientRecord struct {
	Position    int           `db:"position"`
	PhoneNumber string        `db:"phone_number"`
	ContactID   uuid.NullUUID `db:"contact_id"`
	Attributes  []byte        `db:"attributes"`
}

func (r recipientRecord) toDomain() (domain.Recipient, error) {
	rc := domain.Recipient{Position: r.Position, PhoneNumber: r.PhoneNumber}
	if r.ContactID.Valid {
		id := r.ContactID.UUID
		rc.ContactID = &id
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &rc.Attributes); err != nil {
			return domain.Recipient{}, fmt.Errorf("campaign recipients: decode attributes: %w", err)
		}
	}
	return rc, nil
}

func nonNilAttributes(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
