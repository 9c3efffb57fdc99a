package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignQueued    CampaignStatus = "queued"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

func (s CampaignStatus) String() string {
	return string(s)
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignQueued, CampaignSending,
		CampaignPaused, CampaignCompleted, CampaignCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// Pauseable reports whether Pause is a legal transition from s.
func (s CampaignStatus) Pauseable() bool {
	return s == CampaignQueued || s == CampaignSending
}

// Runnable reports whether the dispatch loop may emit new sends for a
// campaign in this status.
func (s CampaignStatus) Runnable() bool {
	return s == CampaignQueued || s == CampaignSending
}

// Campaign is the DB entity persisted in the campaigns table. Its status
// column is the single source of truth for the control plane; the dispatch
// gate only caches it.
type Campaign struct {
	ID           int64          `db:"id"`
	Title        string         `db:"title"`
	Subject      string         `db:"subject"`
	TemplateID   *string        `db:"template_id"`
	Status       CampaignStatus `db:"status"`
	ScheduledAt  *time.Time     `db:"scheduled_at"`
	StatusReason *string        `db:"status_reason"`
	StatusActor  *string        `db:"status_actor"`
	PausedAt     *time.Time     `db:"paused_at"`
	ResumedAt    *time.Time     `db:"resumed_at"`
	CancelledAt  *time.Time     `db:"cancelled_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}
