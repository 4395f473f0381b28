package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending   CampaignStatus = "pending"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// Targeting selects campaign recipients: either a saved list or explicit numbers.
type Targeting struct {
	ListID  *uuid.UUID
	Numbers []string
}

// Campaign models a one-shot bulk send of a template.
type Campaign struct {
	ID            uuid.UUID
	Name          string
	TemplateName  string
	LanguageCode  string
	Targeting     Targeting
	ImageURL      string
	BodyParams    []string
	MessageDelay  time.Duration
	Status        CampaignStatus
	FailureReason string
	Stats         CampaignStats
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// CampaignStats aggregates campaign counters.
type CampaignStats struct {
	Total  int64
	Sent   int64
	Failed int64
}

// Recipient is one resolved destination of a campaign.
type Recipient struct {
	Position    int
	PhoneNumber string
	ContactID   *uuid.UUID
	Attributes  map[string]string
}
