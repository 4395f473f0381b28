package sequence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-followup-engine/internal/clock"
	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

// Service manages sequence definitions.
type Service struct {
	repo        repository.SequenceRepository
	activations repository.ActivationStore
	clock       clock.Clock
}

// NewService constructs a sequence service.
func NewService(repo repository.SequenceRepository, activations repository.ActivationStore, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{repo: repo, activations: activations, clock: clk}
}

// Input describes a sequence to create or replace.
type Input struct {
	ID             *uuid.UUID
	Name           string
	TriggerType    domain.TriggerType
	TriggerKeyword string
	Strategy       domain.Strategy
	Conditions     domain.Conditions
	Enabled        *bool
	Steps          []StepInput
}

// StepInput describes one step. A zero Order means list position.
type StepInput struct {
	Order        int
	DelayAmount  int
	DelayUnit    domain.DelayUnit
	Message      string
	TemplateName string
	LanguageCode string
}

// CreateOrUpdate validates and stores a sequence. Empty steps take the
// strategy preset.
func (s *Service) CreateOrUpdate(ctx context.Context, input Input) (*domain.Sequence, error) {
	if input.Strategy == "" {
		input.Strategy = domain.StrategyModerate
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	steps, err := buildSteps(input)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	seq := &domain.Sequence{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(input.Name),
		TriggerType:    input.TriggerType,
		TriggerKeyword: strings.ToLower(strings.TrimSpace(input.TriggerKeyword)),
		Strategy:       input.Strategy,
		Conditions:     input.Conditions,
		Enabled:        true,
		Steps:          steps,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if input.ID != nil {
		existing, err := s.repo.Get(ctx, *input.ID)
		switch {
		case err == nil:
			seq.ID = existing.ID
			seq.CreatedAt = existing.CreatedAt
			seq.Enabled = existing.Enabled
		case apperrors.Is(err, repository.ErrNotFound):
			seq.ID = *input.ID
		default:
			return nil, fmt.Errorf("sequence service: load sequence: %w", err)
		}
	}
	if input.Enabled != nil {
		seq.Enabled = *input.Enabled
	}

	if err := s.repo.Save(ctx, seq); err != nil {
		return nil, fmt.Errorf("sequence service: save sequence: %w", err)
	}
	if !seq.Enabled {
		if _, err := s.activations.CancelBySequence(ctx, seq.ID, domain.CancelSequenceDisabled, now); err != nil {
			return nil, fmt.Errorf("sequence service: cancel activations: %w", err)
		}
	}
	return seq, nil
}

// Get returns one sequence.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Sequence, error) {
	return s.repo.Get(ctx, id)
}

// List returns every sequence.
func (s *Service) List(ctx context.Context) ([]*domain.Sequence, error) {
	return s.repo.List(ctx)
}

// Enable turns a sequence on for new triggers.
func (s *Service) Enable(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.SetEnabled(ctx, id, true, s.clock.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// Disable turns a sequence off and cancels its active activations. It returns
// how many activations were canceled.
func (s *Service) Disable(ctx context.Context, id uuid.UUID) (int, error) {
	now := s.clock.Now().UTC()
	if err := s.repo.SetEnabled(ctx, id, false, now); err != nil {
		return 0, err
	}
	n, err := s.activations.CancelBySequence(ctx, id, domain.CancelSequenceDisabled, now)
	if err != nil {
		return 0, fmt.Errorf("sequence service: cancel activations: %w", err)
	}
	return n, nil
}

func buildSteps(input Input) ([]domain.Step, error) {
	if len(input.Steps) == 0 {
		steps, ok := PresetSteps(input.Strategy)
		if !ok {
			return nil, fmt.Errorf("%w: unknown strategy %q", apperrors.ErrValidation, input.Strategy)
		}
		return steps, nil
	}

	steps := make([]domain.Step, 0, len(input.Steps))
	for i, in := range input.Steps {
		order := in.Order
		if order == 0 {
			order = i + 1
		}
		steps = append(steps, domain.Step{
			Order:        order,
			DelayAmount:  in.DelayAmount,
			DelayUnit:    in.DelayUnit,
			Message:      in.Message,
			TemplateName: in.TemplateName,
			LanguageCode: in.LanguageCode,
		})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	for i, st := range steps {
		if st.Order != i+1 {
			return nil, fmt.Errorf("%w: step order must be contiguous from 1, got %d at position %d", apperrors.ErrValidation, st.Order, i+1)
		}
		if st.DelayAmount <= 0 {
			return nil, fmt.Errorf("%w: step %d delay must be positive", apperrors.ErrValidation, st.Order)
		}
		if _, err := st.Delay(); err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", apperrors.ErrValidation, st.Order, err)
		}
		if strings.TrimSpace(st.Message) == "" && st.TemplateName == "" {
			return nil, fmt.Errorf("%w: step %d needs a message or template", apperrors.ErrValidation, st.Order)
		}
	}
	return steps, nil
}

func validateInput(input Input) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: sequence name is required", apperrors.ErrValidation)
	}
	if !input.TriggerType.Valid() {
		return fmt.Errorf("%w: unknown trigger type %q", apperrors.ErrValidation, input.TriggerType)
	}
	if input.TriggerType == domain.TriggerKeyword && strings.TrimSpace(input.TriggerKeyword) == "" {
		return fmt.Errorf("%w: keyword trigger requires a keyword", apperrors.ErrValidation)
	}
	switch input.Strategy {
	case domain.StrategyPassive, domain.StrategyModerate, domain.StrategyAggressive:
	default:
		return fmt.Errorf("%w: unknown strategy %q", apperrors.ErrValidation, input.Strategy)
	}

	cond := input.Conditions
	if cond.MaxFollowUpsPerRecipient < 0 {
		return fmt.Errorf("%w: max follow-ups must not be negative", apperrors.ErrValidation)
	}
	w := cond.Window
	if w.TimeZone != "" {
		if _, err := time.LoadLocation(w.TimeZone); err != nil {
			return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, w.TimeZone, err)
		}
	}
	if !w.BusinessHoursOnly {
		return nil
	}
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 1 || w.EndHour > 24 {
		return fmt.Errorf("%w: hour range must be within 0-24", apperrors.ErrValidation)
	}
	if w.StartHour == w.EndHour {
		return fmt.Errorf("%w: hour range must have positive duration", apperrors.ErrValidation)
	}
	for _, d := range w.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: invalid weekday %d", apperrors.ErrValidation, d)
		}
	}
	return nil
}
