package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
)

// ActivationStore is an in-memory repository.ActivationStore with the same
// claim and terminal-state rules as the Postgres store.
type ActivationStore struct {
	mu          sync.Mutex
	activations map[uuid.UUID]domain.Activation
	claimTTL    time.Duration
}

// NewActivationStore returns an empty store. Claims older than claimTTL are stale.
func NewActivationStore(claimTTL time.Duration) *ActivationStore {
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	return &ActivationStore{activations: make(map[uuid.UUID]domain.Activation), claimTTL: claimTTL}
}

func clone(a domain.Activation) domain.Activation {
	if a.Context != nil {
		ctx := make(map[string]string, len(a.Context))
		for k, v := range a.Context {
			ctx[k] = v
		}
		a.Context = ctx
	}
	if a.ClaimedAt != nil {
		t := *a.ClaimedAt
		a.ClaimedAt = &t
	}
	return a
}

// Create inserts a, refusing a second active activation for the same pair.
func (s *ActivationStore) Create(_ context.Context, a *domain.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.activations {
		if existing.SequenceID == a.SequenceID && existing.RecipientID == a.RecipientID && !existing.Status.Terminal() {
			return repository.ErrConflict
		}
	}
	if _, ok := s.activations[a.ID]; ok {
		return repository.ErrConflict
	}
	s.activations[a.ID] = clone(*a)
	return nil
}

// Get returns a copy of the activation.
func (s *ActivationStore) Get(_ context.Context, id uuid.UUID) (*domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	a = clone(a)
	return &a, nil
}

// FindActive returns the scheduled or running activation for the pair.
func (s *ActivationStore) FindActive(_ context.Context, sequenceID uuid.UUID, recipientID string) (*domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.activations {
		if a.SequenceID == sequenceID && a.RecipientID == recipientID && !a.Status.Terminal() {
			a = clone(a)
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

// FindLatest returns the most recently created activation for the pair.
func (s *ActivationStore) FindLatest(_ context.Context, sequenceID uuid.UUID, recipientID string) (*domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Activation
	for _, a := range s.activations {
		if a.SequenceID != sequenceID || a.RecipientID != recipientID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			a := clone(a)
			latest = &a
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

func (s *ActivationStore) stale(a domain.Activation, now time.Time) bool {
	return a.Status == domain.ActivationRunning && a.ClaimedAt != nil && !a.ClaimedAt.After(now.Add(-s.claimTTL))
}

func (s *ActivationStore) due(a domain.Activation, now time.Time) bool {
	if a.Status == domain.ActivationScheduled {
		return !a.NextFireAt.After(now)
	}
	return s.stale(a, now)
}

func (s *ActivationStore) collect(limit int, keep func(domain.Activation) bool) []domain.Activation {
	var out []domain.Activation
	for _, a := range s.activations {
		if keep(a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(out[j].NextFireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LoadDue returns due scheduled activations and stale running ones.
func (s *ActivationStore) LoadDue(_ context.Context, now time.Time, limit int) ([]domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(limit, func(a domain.Activation) bool { return s.due(a, now) }), nil
}

// LoadUpcoming returns scheduled activations firing at or before until.
func (s *ActivationStore) LoadUpcoming(_ context.Context, until time.Time, limit int) ([]domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(limit, func(a domain.Activation) bool {
		return a.Status == domain.ActivationScheduled && !a.NextFireAt.After(until)
	}), nil
}

// Save stores a unless the stored activation is terminal.
func (s *ActivationStore) Save(_ context.Context, a *domain.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.activations[a.ID]; ok && existing.Status.Terminal() {
		return repository.ErrConflict
	}
	s.activations[a.ID] = clone(*a)
	return nil
}

// TryClaim moves a due or stale activation to running under a claim at now.
func (s *ActivationStore) TryClaim(_ context.Context, id uuid.UUID, now time.Time) (*domain.Activation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activations[id]
	if !ok {
		return nil, false, nil
	}
	if !s.due(a, now) {
		return nil, false, nil
	}
	claimed := now
	a.Status = domain.ActivationRunning
	a.ClaimedAt = &claimed
	a.UpdatedAt = now
	s.activations[id] = a
	out := clone(a)
	return &out, true, nil
}

func held(a domain.Activation, claimedAt time.Time) bool {
	return a.Status == domain.ActivationRunning && a.ClaimedAt != nil && a.ClaimedAt.Equal(claimedAt)
}

// RenewClaim moves a held claim to now.
func (s *ActivationStore) RenewClaim(_ context.Context, id uuid.UUID, claimedAt, now time.Time) (*domain.Activation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activations[id]
	if !ok || !held(a, claimedAt) {
		return nil, false, nil
	}
	renewed := now
	a.ClaimedAt = &renewed
	a.UpdatedAt = now
	s.activations[id] = a
	out := clone(a)
	return &out, true, nil
}

// Transition stores a only while the claim held since claimedAt is current.
func (s *ActivationStore) Transition(_ context.Context, a *domain.Activation, claimedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.activations[a.ID]
	if !ok || !held(existing, claimedAt) {
		return repository.ErrConflict
	}
	s.activations[a.ID] = clone(*a)
	return nil
}

func (s *ActivationStore) cancelWhere(match func(domain.Activation) bool, reason string, at time.Time) int {
	n := 0
	for id, a := range s.activations {
		if a.Status.Terminal() || !match(a) {
			continue
		}
		a.Status = domain.ActivationCanceled
		a.CancelReason = reason
		a.UpdatedAt = at
		s.activations[id] = a
		n++
	}
	return n
}

// CancelByRecipient cancels every active activation of the recipient.
func (s *ActivationStore) CancelByRecipient(_ context.Context, recipientID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelWhere(func(a domain.Activation) bool { return a.RecipientID == recipientID }, reason, at), nil
}

// CancelBySequence cancels every active activation of the sequence.
func (s *ActivationStore) CancelBySequence(_ context.Context, sequenceID uuid.UUID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelWhere(func(a domain.Activation) bool { return a.SequenceID == sequenceID }, reason, at), nil
}

// FollowUpCount sums steps sent to the recipient by the sequence.
func (s *ActivationStore) FollowUpCount(_ context.Context, sequenceID uuid.UUID, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, a := range s.activations {
		if a.SequenceID == sequenceID && a.RecipientID == recipientID {
			total += a.StepsSent
		}
	}
	return total, nil
}

// All returns a snapshot of every activation.
func (s *ActivationStore) All() []domain.Activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Activation, 0, len(s.activations))
	for _, a := range s.activations {
		out = append(out, clone(a))
	}
	return out
}
