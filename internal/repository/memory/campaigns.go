// Package memory provides in-process repository implementations for tests and
// local runs without databases.
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

// CampaignRepository is an in-memory repository.CampaignRepository.
type CampaignRepository struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]domain.Campaign
}

// NewCampaignRepository returns an empty repository.
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{campaigns: make(map[uuid.UUID]domain.Campaign)}
}

// Create stores c.
func (r *CampaignRepository) Create(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.ID]; ok {
		return repository.ErrConflict
	}
	r.campaigns[c.ID] = *c
	return nil
}

// Get returns a copy of the campaign.
func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

// Update replaces a stored campaign.
func (r *CampaignRepository) Update(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.ID]; !ok {
		return repository.ErrNotFound
	}
	r.campaigns[c.ID] = *c
	return nil
}

// List pages campaigns by id after afterID.
func (r *CampaignRepository) List(_ context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]domain.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })

	var out []*domain.Campaign
	for i := range all {
		if afterID != nil && all[i].ID.String() <= afterID.String() {
			continue
		}
		c := all[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListByStatus returns campaigns in status, least recently updated first.
func (r *CampaignRepository) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status != status {
			continue
		}
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StatisticsRepository is an in-memory repository.CampaignStatisticsRepository.
type StatisticsRepository struct {
	mu    sync.Mutex
	stats map[uuid.UUID]domain.CampaignStats
}

// NewStatisticsRepository returns an empty repository.
func NewStatisticsRepository() *StatisticsRepository {
	return &StatisticsRepository{stats: make(map[uuid.UUID]domain.CampaignStats)}
}

// Ensure creates zeroed counters for the campaign if missing.
func (r *StatisticsRepository) Ensure(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stats[id]; !ok {
		r.stats[id] = domain.CampaignStats{}
	}
	return nil
}

// Get returns the campaign counters.
func (r *StatisticsRepository) Get(_ context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

// ApplyDelta adds d to the campaign counters.
func (r *StatisticsRepository) ApplyDelta(_ context.Context, id uuid.UUID, d repository.StatsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[id]
	s.Total += d.TotalDelta
	s.Sent += d.SentDelta
	s.Failed += d.FailedDelta
	r.stats[id] = s
	return nil
}

// Set overwrites the campaign counters.
func (r *StatisticsRepository) Set(_ context.Context, id uuid.UUID, stats domain.CampaignStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats[id] = stats
	return nil
}

// RecipientRepository is an in-memory repository.RecipientRepository.
type RecipientRepository struct {
	mu         sync.Mutex
	recipients map[uuid.UUID][]domain.Recipient
}

// NewRecipientRepository returns an empty repository.
func NewRecipientRepository() *RecipientRepository {
	return &RecipientRepository{recipients: make(map[uuid.UUID][]domain.Recipient)}
}

// BulkInsert appends recipients to the campaign.
func (r *RecipientRepository) BulkInsert(_ context.Context, campaignID uuid.UUID, recipients []domain.Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients[campaignID] = append(r.recipients[campaignID], recipients...)
	return nil
}

// ListByCampaign pages recipients by position after afterPosition.
func (r *RecipientRepository) ListByCampaign(_ context.Context, campaignID uuid.UUID, afterPosition, limit int) ([]domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Recipient
	for _, rec := range r.recipients[campaignID] {
		if rec.Position <= afterPosition {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ContactDirectory is an in-memory repository.ContactDirectory.
type ContactDirectory struct {
	mu       sync.Mutex
	contacts map[string]domain.Contact
	lists    map[uuid.UUID][]string
}

// NewContactDirectory returns an empty directory.
func NewContactDirectory() *ContactDirectory {
	return &ContactDirectory{contacts: make(map[string]domain.Contact), lists: make(map[uuid.UUID][]string)}
}

// Put adds or replaces a contact.
func (d *ContactDirectory) Put(c domain.Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	d.contacts[c.PhoneNumber] = c
}

// AddToList appends contacts, by phone, to a list.
func (d *ContactDirectory) AddToList(listID uuid.UUID, phones ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists[listID] = append(d.lists[listID], phones...)
}

// ResolveList returns the list members. Phones missing from the directory
// become bare contacts.
func (d *ContactDirectory) ResolveList(_ context.Context, listID uuid.UUID) ([]domain.Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	phones, ok := d.lists[listID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := make([]domain.Contact, 0, len(phones))
	for _, p := range phones {
		c, ok := d.contacts[p]
		if !ok {
			c = domain.Contact{PhoneNumber: p}
		}
		out = append(out, c)
	}
	return out, nil
}

// FindByPhone returns the contact with the phone number.
func (d *ContactDirectory) FindByPhone(_ context.Context, phone string) (*domain.Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[phone]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

// TemplateRepository is an in-memory repository.TemplateRepository.
type TemplateRepository struct {
	mu        sync.Mutex
	templates []domain.Template
}

// NewTemplateRepository returns a repository holding templates.
func NewTemplateRepository(templates ...domain.Template) *TemplateRepository {
	return &TemplateRepository{templates: templates}
}

// Get returns the template by name and language.
func (r *TemplateRepository) Get(_ context.Context, name, language string) (*domain.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.templates {
		if t.Name == name && (language == "" || t.Language == language) {
			t := t
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

// SequenceRepository is an in-memory repository.SequenceRepository.
type SequenceRepository struct {
	mu        sync.Mutex
	sequences map[uuid.UUID]domain.Sequence
}

// NewSequenceRepository returns an empty repository.
func NewSequenceRepository() *SequenceRepository {
	return &SequenceRepository{sequences: make(map[uuid.UUID]domain.Sequence)}
}

// Save stores or replaces s.
func (r *SequenceRepository) Save(_ context.Context, s *domain.Sequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	cp.Steps = append([]domain.Step(nil), s.Steps...)
	r.sequences[s.ID] = cp
	return nil
}

// Get returns a copy of the sequence.
func (r *SequenceRepository) Get(_ context.Context, id uuid.UUID) (*domain.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sequences[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	s.Steps = append([]domain.Step(nil), s.Steps...)
	return &s, nil
}

// List returns every sequence.
func (r *SequenceRepository) List(_ context.Context) ([]*domain.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Sequence, 0, len(r.sequences))
	for _, s := range r.sequences {
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListEnabledByTrigger returns enabled sequences with the trigger type.
func (r *SequenceRepository) ListEnabledByTrigger(_ context.Context, trigger domain.TriggerType) ([]*domain.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Sequence
	for _, s := range r.sequences {
		if s.Enabled && s.TriggerType == trigger {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetEnabled toggles the sequence.
func (r *SequenceRepository) SetEnabled(_ context.Context, id uuid.UUID, enabled bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sequences[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = at
	r.sequences[id] = s
	return nil
}
