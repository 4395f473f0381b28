package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
)

// TemplateRepository reads approved provider templates.
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository constructs the repository.
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

type templateComponentJSON struct {
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Get returns the template by name. An empty language matches the first
// language alphabetically.
func (r *TemplateRepository) Get(ctx context.Context, name, language string) (*domain.Template, error) {
	var row struct {
		Name       string `db:"name"`
		Language   string `db:"language"`
		Components []byte `db:"components"`
	}
	err := r.db.QueryRowxContext(ctx, `SELECT name, language, components
		FROM message_templates
		WHERE name = $1 AND ($2 = '' OR language = $2)
		ORDER BY language ASC
		LIMIT 1`, name, language).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("templates: get: %w", err)
	}

	var comps []templateComponentJSON
	if len(row.Components) > 0 {
		if err := json.Unmarshal(row.Components, &comps); err != nil {
			return nil, fmt.Errorf("templates: decode components: %w", err)
		}
	}
	tpl := &domain.Template{Name: row.Name, Language: row.Language}
	for _, c := range comps {
		tpl.Components = append(tpl.Components, domain.TemplateComponent{
			Type:   domain.ComponentType(c.Type),
			Format: domain.ComponentFormat(c.Format),
			Text:   c.Text,
		})
	}
	return tpl, nil
}
