package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
)

// ContactRepository reads contacts and contact lists.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// ResolveList returns the members of a list in list order.
func (r *ContactRepository) ResolveList(ctx context.Context, listID uuid.UUID) ([]domain.Contact, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM contact_lists WHERE id = $1)`, listID); err != nil {
		return nil, fmt.Errorf("contacts: check list: %w", err)
	}
	if !exists {
		return nil, repository.ErrNotFound
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT c.id, c.phone_number, c.blocked, c.attributes
		FROM contact_list_members m
		JOIN contacts c ON c.id = m.contact_id
		WHERE m.list_id = $1
		ORDER BY m.position ASC`, listID)
	if err != nil {
		return nil, fmt.Errorf("contacts: resolve list: %w", err)
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contacts: scan: %w", err)
		}
		c, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts: rows err: %w", err)
	}
	return contacts, nil
}

// FindByPhone returns the contact with the phone number.
func (r *ContactRepository) FindByPhone(ctx context.Context, phone string) (*domain.Contact, error) {
	var rec contactRecord
	err := r.db.QueryRowxContext(ctx, `SELECT id, phone_number, blocked, attributes
		FROM contacts WHERE phone_number = $1`, phone).StructScan(&rec)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contacts: find by phone: %w", err)
	}
	c, err := rec.toDomain()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type contactRecord struct {
	ID          uuid.UUID `db:"id"`
	PhoneNumber string    `db:"phone_number"`
	Blocked     bool      `db:"blocked"`
	Attributes  []byte    `db:"attributes"`
}

func (r contactRecord) toDomain() (domain.Contact, error) {
	c := domain.Contact{ID: r.ID, PhoneNumber: r.PhoneNumber, Blocked: r.Blocked}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &c.Attributes); err != nil {
			return domain.Contact{}, fmt.Errorf("contacts: decode attributes: %w", err)
		}
	}
	return c, nil
}
