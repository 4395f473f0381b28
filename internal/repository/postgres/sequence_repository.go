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

const sequenceColumns = `id, name, trigger_type, trigger_keyword, strategy, conditions, enabled, created_at, updated_at`

// SequenceRepository persists sequences and their ordered steps.
type SequenceRepository struct {
	db *sqlx.DB
}

// NewSequenceRepository creates a new repository.
func NewSequenceRepository(db *sqlx.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// Save upserts the sequence and replaces all of its steps.
func (r *SequenceRepository) Save(ctx context.Context, seq *domain.Sequence) error {
	conditions, err := json.Marshal(toConditionsJSON(seq.Conditions))
	if err != nil {
		return fmt.Errorf("sequences: marshal conditions: %w", err)
	}

	return withTx(ctx, r.db, "sequences: save", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sequences (`+sequenceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				trigger_type = EXCLUDED.trigger_type,
				trigger_keyword = EXCLUDED.trigger_keyword,
				strategy = EXCLUDED.strategy,
				conditions = EXCLUDED.conditions,
				enabled = EXCLUDED.enabled,
				updated_at = EXCLUDED.updated_at`,
			seq.ID, seq.Name, seq.TriggerType, seq.TriggerKeyword, seq.Strategy, conditions,
			seq.Enabled, seq.CreatedAt, seq.UpdatedAt); err != nil {
			return fmt.Errorf("sequences: upsert: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sequence_steps WHERE sequence_id = $1`, seq.ID); err != nil {
			return fmt.Errorf("sequences: delete existing steps: %w", err)
		}

		if len(seq.Steps) == 0 {
			return nil
		}

		stmt, err := tx.PreparexContext(ctx, `INSERT INTO sequence_steps
			(sequence_id, step_order, delay_amount, delay_unit, message, template_name, language_code)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if err != nil {
			return fmt.Errorf("sequences: prepare step insert: %w", err)
		}
		defer stmt.Close()

		for _, st := range seq.Steps {
			if _, err := stmt.ExecContext(ctx, seq.ID, st.Order, st.DelayAmount, st.DelayUnit,
				st.Message, st.TemplateName, st.LanguageCode); err != nil {
				return fmt.Errorf("sequences: insert step: %w", err)
			}
		}
		return nil
	})
}

// Get returns the sequence with its steps.
func (r *SequenceRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Sequence, error) {
	var rec sequenceRecord
	if err := r.db.QueryRowxContext(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id = $1`, id).StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("sequences: get: %w", err)
	}
	seqs, err := r.withSteps(ctx, []sequenceRecord{rec})
	if err != nil {
		return nil, err
	}
	return seqs[0], nil
}

// List returns every sequence ordered by creation time.
func (r *SequenceRepository) List(ctx context.Context) ([]*domain.Sequence, error) {
	return r.query(ctx, `SELECT `+sequenceColumns+` FROM sequences ORDER BY created_at ASC`)
}

// ListEnabledByTrigger returns enabled sequences listening for the trigger.
func (r *SequenceRepository) ListEnabledByTrigger(ctx context.Context, trigger domain.TriggerType) ([]*domain.Sequence, error) {
	return r.query(ctx, `SELECT `+sequenceColumns+` FROM sequences
		WHERE enabled AND trigger_type = $1 ORDER BY created_at ASC`, trigger)
}

// SetEnabled toggles a sequence.
func (r *SequenceRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sequences SET enabled = $1, updated_at = $2 WHERE id = $3`, enabled, at, id)
	if err != nil {
		return fmt.Errorf("sequences: set enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sequences: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SequenceRepository) query(ctx context.Context, q string, args ...any) ([]*domain.Sequence, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sequences: query: %w", err)
	}
	defer rows.Close()

	var recs []sequenceRecord
	for rows.Next() {
		var rec sequenceRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("sequences: scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequences: rows err: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return r.withSteps(ctx, recs)
}

// withSteps loads the steps of every record in one query.
func (r *SequenceRepository) withSteps(ctx context.Context, recs []sequenceRecord) ([]*domain.Sequence, error) {
	ids := make([]uuid.UUID, len(recs))
	out := make([]*domain.Sequence, len(recs))
	byID := make(map[uuid.UUID]*domain.Sequence, len(recs))
	for i, rec := range recs {
		seq, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		ids[i] = rec.ID
		out[i] = seq
		byID[rec.ID] = seq
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT sequence_id, step_order, delay_amount, delay_unit, message, template_name, language_code
		FROM sequence_steps WHERE sequence_id = ANY($1) ORDER BY sequence_id, step_order`, ids)
	if err != nil {
		return nil, fmt.Errorf("sequences: query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row struct {
			SequenceID   uuid.UUID `db:"sequence_id"`
			Order        int       `db:"step_order"`
			DelayAmount  int       `db:"delay_amount"`
			DelayUnit    string    `db:"delay_unit"`
			Message      string    `db:"message"`
			TemplateName string    `db:"template_name"`
			LanguageCode string    `db:"language_code"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("sequences: scan step: %w", err)
		}
		seq, ok := byID[row.SequenceID]
		if !ok {
			continue
		}
		seq.Steps = append(seq.Steps, domain.Step{
			Order:        row.Order,
			DelayAmount:  row.DelayAmount,
			DelayUnit:    domain.DelayUnit(row.DelayUnit),
			Message:      row.Message,
			TemplateName: row.TemplateName,
			LanguageCode: row.LanguageCode,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequences: step rows err: %w", err)
	}
	return out, nil
}

type sequenceRecord struct {
	ID             uuid.UUID `db:"id"`
	Name           string    `db:"name"`
	TriggerType    string    `db:"trigger_type"`
	TriggerKeyword string    `db:"trigger_keyword"`
	Strategy       string    `db:"strategy"`
	Conditions     []byte    `db:"conditions"`
	Enabled        bool      `db:"enabled"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r sequenceRecord) toDomain() (*domain.Sequence, error) {
	seq := &domain.Sequence{
		ID:             r.ID,
		Name:           r.Name,
		TriggerType:    domain.TriggerType(r.TriggerType),
		TriggerKeyword: r.TriggerKeyword,
		Strategy:       domain.Strategy(r.Strategy),
		Enabled:        r.Enabled,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Conditions) > 0 {
		var c conditionsJSON
		if err := json.Unmarshal(r.Conditions, &c); err != nil {
			return nil, fmt.Errorf("sequences: decode conditions: %w", err)
		}
		seq.Conditions = c.toDomain()
	}
	return seq, nil
}

type conditionsJSON struct {
	BusinessHoursOnly        bool   `json:"business_hours_only"`
	Weekdays                 []int  `json:"weekdays,omitempty"`
	StartHour                int    `json:"start_hour"`
	EndHour                  int    `json:"end_hour"`
	TimeZone                 string `json:"time_zone,omitempty"`
	MaxFollowUpsPerRecipient int    `json:"max_follow_ups_per_recipient"`
}

func toConditionsJSON(c domain.Conditions) conditionsJSON {
	out := conditionsJSON{
		BusinessHoursOnly:        c.Window.BusinessHoursOnly,
		StartHour:                c.Window.StartHour,
		EndHour:                  c.Window.EndHour,
		TimeZone:                 c.Window.TimeZone,
		MaxFollowUpsPerRecipient: c.MaxFollowUpsPerRecipient,
	}
	for _, d := range c.Window.Weekdays {
		out.Weekdays = append(out.Weekdays, int(d))
	}
	return out
}

func (c conditionsJSON) toDomain() domain.Conditions {
	out := domain.Conditions{
		Window: domain.SendWindow{
			BusinessHoursOnly: c.BusinessHoursOnly,
			StartHour:         c.StartHour,
			EndHour:           c.EndHour,
			TimeZone:          c.TimeZone,
		},
		MaxFollowUpsPerRecipient: c.MaxFollowUpsPerRecipient,
	}
	for _, d := range c.Weekdays {
		out.Window.Weekdays = append(out.Window.Weekdays, time.Weekday(d))
	}
	return out
}
