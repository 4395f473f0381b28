package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerType identifies the conversation event that activates a sequence.
type TriggerType string

const (
	TriggerNoResponse     TriggerType = "no_response"
	TriggerPriceRequested TriggerType = "price_requested"
	TriggerKeyword        TriggerType = "keyword"
	TriggerTimeBased      TriggerType = "time_based"
	TriggerManual         TriggerType = "manual"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerNoResponse, TriggerPriceRequested, TriggerKeyword, TriggerTimeBased, TriggerManual:
		return true
	}
	return false
}

// Strategy is a preset that determines default step count and spacing.
type Strategy string

const (
	StrategyPassive    Strategy = "passive"
	StrategyModerate   Strategy = "moderate"
	StrategyAggressive Strategy = "aggressive"
)

// DelayUnit is the unit of a step delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// Sequence is a reusable, trigger-activated multi-step follow-up plan. The
// scheduler treats it as read-only configuration.
type Sequence struct {
	ID             uuid.UUID
	Name           string
	TriggerType    TriggerType
	TriggerKeyword string
	Strategy       Strategy
	Conditions     Conditions
	Enabled        bool
	Steps          []Step
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Conditions gate when and how often a sequence may send.
type Conditions struct {
	Window                   SendWindow
	MaxFollowUpsPerRecipient int
}

// Step is one message plus delay within a sequence.
type Step struct {
	Order        int
	DelayAmount  int
	DelayUnit    DelayUnit
	Message      string
	TemplateName string
	LanguageCode string
}

// Delay converts the step delay to a duration.
func (s Step) Delay() (time.Duration, error) {
	if s.DelayAmount < 0 {
		return 0, fmt.Errorf("negative delay %d", s.DelayAmount)
	}
	n := time.Duration(s.DelayAmount)
	switch s.DelayUnit {
	case DelayMinutes:
		return n * time.Minute, nil
	case DelayHours:
		return n * time.Hour, nil
	case DelayDays:
		return n * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown delay unit %q", s.DelayUnit)
	}
}

// StepAt returns the step with the given order index.
func (s *Sequence) StepAt(order int) (Step, bool) {
	for _, st := range s.Steps {
		if st.Order == order {
			return st, true
		}
	}
	return Step{}, false
}
