package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
)

// DispatchStore persists one idempotency record per (owner, recipient, step)
// in Scylla. Inserts are lightweight transactions so concurrent writers agree
// on a single record.
type DispatchStore struct {
	session *gocql.Session
}

// NewDispatchStore creates a new dispatch store.
func NewDispatchStore(session *gocql.Session) *DispatchStore {
	return &DispatchStore{session: session}
}

// Record inserts the record if none exists for its key.
func (s *DispatchStore) Record(ctx context.Context, rec domain.DispatchRecord) (bool, error) {
	existing := map[string]any{}
	applied, err := s.session.Query(`INSERT INTO dispatch_records (owner_id, recipient, step, owner_kind, outcome, provider_message_id, reason, attempts, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		rec.OwnerID.String(), rec.Recipient, rec.Step, string(rec.OwnerKind), string(rec.Outcome),
		rec.ProviderMessageID, rec.Reason, rec.Attempts, rec.SentAt,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return false, fmt.Errorf("dispatch store: insert: %w", err)
	}
	return applied, nil
}

// Get retrieves the record for a key.
func (s *DispatchStore) Get(ctx context.Context, key domain.DispatchKey) (*domain.DispatchRecord, error) {
	var (
		ownerKind string
		outcome   string
		messageID string
		reason    string
		attempts  int
		sentAt    time.Time
	)
	err := s.session.Query(`SELECT owner_kind, outcome, provider_message_id, reason, attempts, sent_at
		FROM dispatch_records WHERE owner_id = ? AND recipient = ? AND step = ?`,
		key.OwnerID.String(), key.Recipient, key.Step,
	).WithContext(ctx).Scan(&ownerKind, &outcome, &messageID, &reason, &attempts, &sentAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("dispatch store: get: %w", err)
	}
	return &domain.DispatchRecord{
		DispatchKey:       key,
		OwnerKind:         domain.OwnerKind(ownerKind),
		Outcome:           domain.OutcomeKind(outcome),
		ProviderMessageID: messageID,
		Reason:            reason,
		Attempts:          attempts,
		SentAt:            sentAt.UTC(),
	}, nil
}

// Tally counts accepted and failed records of one owner.
func (s *DispatchStore) Tally(ctx context.Context, ownerID uuid.UUID) (domain.DispatchTally, error) {
	iter := s.session.Query(`SELECT outcome FROM dispatch_records WHERE owner_id = ?`, ownerID.String()).
		WithContext(ctx).PageSize(5000).Iter()

	var (
		tally   domain.DispatchTally
		outcome string
	)
	for iter.Scan(&outcome) {
		if domain.OutcomeKind(outcome).Delivered() {
			tally.Accepted++
		} else {
			tally.Failed++
		}
	}
	if err := iter.Close(); err != nil {
		return domain.DispatchTally{}, fmt.Errorf("dispatch store: tally: %w", err)
	}
	return tally, nil
}

// List pages the records of one owner in (recipient, step) order.
func (s *DispatchStore) List(ctx context.Context, ownerID uuid.UUID, limit int, pagingState []byte) ([]domain.DispatchRecord, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT recipient, step, owner_kind, outcome, provider_message_id, reason, attempts, sent_at
		FROM dispatch_records WHERE owner_id = ?`, ownerID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	records := make([]domain.DispatchRecord, 0, limit)

	var (
		recipient string
		step      int
		ownerKind string
		outcome   string
		messageID string
		reason    string
		attempts  int
		sentAt    time.Time
	)
	for iter.Scan(&recipient, &step, &ownerKind, &outcome, &messageID, &reason, &attempts, &sentAt) {
		records = append(records, domain.DispatchRecord{
			DispatchKey:       domain.DispatchKey{OwnerID: ownerID, Recipient: recipient, Step: step},
			OwnerKind:         domain.OwnerKind(ownerKind),
			Outcome:           domain.OutcomeKind(outcome),
			ProviderMessageID: messageID,
			Reason:            reason,
			Attempts:          attempts,
			SentAt:            sentAt.UTC(),
		})
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("dispatch store: iter close: %w", err)
	}
	return records, nextState, nil
}
