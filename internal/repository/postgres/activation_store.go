package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
)

const activationColumns = `id, sequence_id, recipient_id, current_step, status, next_fire_at, steps_sent,
	cancel_reason, context, claimed_at, created_at, updated_at`

const uniqueViolation = "23505"

// ActivationStore implements repository.ActivationStore on PostgreSQL. Claims
// and terminal-state protection are enforced by conditional writes.
type ActivationStore struct {
	db       *sqlx.DB
	claimTTL time.Duration
}

// NewActivationStore constructs the store. Running activations whose claim is
// older than claimTTL are considered abandoned and become claimable again.
func NewActivationStore(db *sqlx.DB, claimTTL time.Duration) *ActivationStore {
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	return &ActivationStore{db: db, claimTTL: claimTTL}
}

// Create inserts a new activation.
func (s *ActivationStore) Create(ctx context.Context, a *domain.Activation) error {
	params, err := activationParams(a)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO sequence_activations (`+activationColumns+`)
		VALUES (:id, :sequence_id, :recipient_id, :current_step, :status, :next_fire_at, :steps_sent,
			:cancel_reason, :context, :claimed_at, :created_at, :updated_at)`, params)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrConflict
		}
		return fmt.Errorf("activations: insert: %w", err)
	}
	return nil
}

// Get fetches an activation by id.
func (s *ActivationStore) Get(ctx context.Context, id uuid.UUID) (*domain.Activation, error) {
	return s.one(ctx, `SELECT `+activationColumns+` FROM sequence_activations WHERE id = $1`, id)
}

// FindActive returns the scheduled or running activation for the pair.
func (s *ActivationStore) FindActive(ctx context.Context, sequenceID uuid.UUID, recipientID string) (*domain.Activation, error) {
	return s.one(ctx, `SELECT `+activationColumns+` FROM sequence_activations
		WHERE sequence_id = $1 AND recipient_id = $2 AND status IN ('scheduled', 'running')`, sequenceID, recipientID)
}

// FindLatest returns the most recently created activation for the pair.
func (s *ActivationStore) FindLatest(ctx context.Context, sequenceID uuid.UUID, recipientID string) (*domain.Activation, error) {
	return s.one(ctx, `SELECT `+activationColumns+` FROM sequence_activations
		WHERE sequence_id = $1 AND recipient_id = $2
		ORDER BY created_at DESC LIMIT 1`, sequenceID, recipientID)
}

// LoadDue returns due scheduled activations and stale running ones.
func (s *ActivationStore) LoadDue(ctx context.Context, now time.Time, limit int) ([]domain.Activation, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.many(ctx, `SELECT `+activationColumns+` FROM sequence_activations
		WHERE (status = 'scheduled' AND next_fire_at <= $1)
		   OR (status = 'running' AND claimed_at <= $2)
		ORDER BY next_fire_at ASC LIMIT $3`, now, now.Add(-s.claimTTL), limit)
}

// LoadUpcoming returns scheduled activations firing at or before until.
func (s *ActivationStore) LoadUpcoming(ctx context.Context, until time.Time, limit int) ([]domain.Activation, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.many(ctx, `SELECT `+activationColumns+` FROM sequence_activations
		WHERE status = 'scheduled' AND next_fire_at <= $1
		ORDER BY next_fire_at ASC LIMIT $2`, until, limit)
}

// Save upserts the activation unless the stored row is already terminal.
func (s *ActivationStore) Save(ctx context.Context, a *domain.Activation) error {
	params, err := activationParams(a)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO sequence_activations (`+activationColumns+`)
		VALUES (:id, :sequence_id, :recipient_id, :current_step, :status, :next_fire_at, :steps_sent,
			:cancel_reason, :context, :claimed_at, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			status = EXCLUDED.status,
			next_fire_at = EXCLUDED.next_fire_at,
			steps_sent = EXCLUDED.steps_sent,
			cancel_reason = EXCLUDED.cancel_reason,
			context = EXCLUDED.context,
			claimed_at = EXCLUDED.claimed_at,
			updated_at = EXCLUDED.updated_at
		WHERE sequence_activations.status NOT IN ('completed', 'canceled')`, params)
	if err != nil {
		return fmt.Errorf("activations: save: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activations: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

// TryClaim atomically moves a due activation to running.
func (s *ActivationStore) TryClaim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Activation, bool, error) {
	a, err := s.one(ctx, `UPDATE sequence_activations
		SET status = 'running', claimed_at = $2, updated_at = $2
		WHERE id = $1 AND (
			(status = 'scheduled' AND next_fire_at <= $2)
			OR (status = 'running' AND claimed_at <= $3)
		)
		RETURNING `+activationColumns, id, now, now.Add(-s.claimTTL))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("activations: claim: %w", err)
	}
	return a, true, nil
}

// RenewClaim refreshes a held claim so it does not go stale mid-send.
func (s *ActivationStore) RenewClaim(ctx context.Context, id uuid.UUID, claimedAt, now time.Time) (*domain.Activation, bool, error) {
	a, err := s.one(ctx, `UPDATE sequence_activations
		SET claimed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'running' AND claimed_at = $2
		RETURNING `+activationColumns, id, claimedAt, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("activations: renew claim: %w", err)
	}
	return a, true, nil
}

// Transition writes the outcome of a claimed fire. Zero rows means the claim
// was lost or the activation was canceled meanwhile.
func (s *ActivationStore) Transition(ctx context.Context, a *domain.Activation, claimedAt time.Time) error {
	params, err := activationParams(a)
	if err != nil {
		return err
	}
	params["held_claim"] = claimedAt
	res, err := s.db.NamedExecContext(ctx, `UPDATE sequence_activations SET
			current_step = :current_step,
			status = :status,
			next_fire_at = :next_fire_at,
			steps_sent = :steps_sent,
			cancel_reason = :cancel_reason,
			context = :context,
			claimed_at = :claimed_at,
			updated_at = :updated_at
		WHERE id = :id AND status = 'running' AND claimed_at = :held_claim`, params)
	if err != nil {
		return fmt.Errorf("activations: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activations: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

// CancelByRecipient cancels every active activation of the recipient.
func (s *ActivationStore) CancelByRecipient(ctx context.Context, recipientID, reason string, at time.Time) (int, error) {
	return s.cancel(ctx, `recipient_id = $3`, reason, at, recipientID)
}

// CancelBySequence cancels every active activation of the sequence.
func (s *ActivationStore) CancelBySequence(ctx context.Context, sequenceID uuid.UUID, reason string, at time.Time) (int, error) {
	return s.cancel(ctx, `sequence_id = $3`, reason, at, sequenceID)
}

func (s *ActivationStore) cancel(ctx context.Context, where, reason string, at time.Time, arg any) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sequence_activations
		SET status = 'canceled', cancel_reason = $1, claimed_at = NULL, updated_at = $2
		WHERE `+where+` AND status IN ('scheduled', 'running')`, reason, at, arg)
	if err != nil {
		return 0, fmt.Errorf("activations: cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("activations: rows affected: %w", err)
	}
	return int(n), nil
}

// FollowUpCount sums the steps sent to the recipient by the sequence.
func (s *ActivationStore) FollowUpCount(ctx context.Context, sequenceID uuid.UUID, recipientID string) (int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(steps_sent), 0) FROM sequence_activations
		WHERE sequence_id = $1 AND recipient_id = $2`, sequenceID, recipientID); err != nil {
		return 0, fmt.Errorf("activations: follow-up count: %w", err)
	}
	return total, nil
}

func (s *ActivationStore) one(ctx context.Context, q string, args ...any) (*domain.Activation, error) {
	var rec activationRecord
	if err := s.db.QueryRowxContext(ctx, q, args...).StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("activations: query: %w", err)
	}
	a, err := rec.toDomain()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *ActivationStore) many(ctx context.Context, q string, args ...any) ([]domain.Activation, error) {
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("activations: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Activation
	for rows.Next() {
		var rec activationRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("activations: scan: %w", err)
		}
		a, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activations: rows err: %w", err)
	}
	return out, nil
}

func activationParams(a *domain.Activation) (map[string]any, error) {
	ctxJSON, err := json.Marshal(nonNilAttributes(a.Context))
	if err != nil {
		return nil, fmt.Errorf("activations: marshal context: %w", err)
	}
	return map[string]any{
		"id":            a.ID,
		"sequence_id":   a.SequenceID,
		"recipient_id":  a.RecipientID,
		"current_step":  a.CurrentStep,
		"status":        a.Status,
		"next_fire_at":  a.NextFireAt,
		"steps_sent":    a.StepsSent,
		"cancel_reason": a.CancelReason,
		"context":       ctxJSON,
		"claimed_at":    a.ClaimedAt,
		"created_at":    a.CreatedAt,
		"updated_at":    a.UpdatedAt,
	}, nil
}

type activationRecord struct {
	ID           uuid.UUID    `db:"id"`
	SequenceID   uuid.UUID    `db:"sequence_id"`
	RecipientID  string       `db:"recipient_id"`
	CurrentStep  int          `db:"current_step"`
	Status       string       `db:"status"`
	NextFireAt   time.Time    `db:"next_fire_at"`
	StepsSent    int          `db:"steps_sent"`
	CancelReason string       `db:"cancel_reason"`
	Context      []byte       `db:"context"`
	ClaimedAt    sql.NullTime `db:"claimed_at"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (r activationRecord) toDomain() (domain.Activation, error) {
	a := domain.Activation{
		ID:           r.ID,
		SequenceID:   r.SequenceID,
		RecipientID:  r.RecipientID,
		CurrentStep:  r.CurrentStep,
		Status:       domain.ActivationStatus(r.Status),
		NextFireAt:   r.NextFireAt.UTC(),
		StepsSent:    r.StepsSent,
		CancelReason: r.CancelReason,
		ClaimedAt:    nullTime(r.ClaimedAt),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Context) > 0 && string(r.Context) != "{}" {
		if err := json.Unmarshal(r.Context, &a.Context); err != nil {
			return domain.Activation{}, fmt.Errorf("activations: decode context: %w", err)
		}
	}
	return a, nil
}
