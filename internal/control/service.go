// Package control is the signal plane gating the dispatch loop: pause,
// resume, cancel, and emergency stop. Transitions are guarded updates against
// the persisted campaign status; the contract is "no new dispatch starts
// after the call returns", not "in-flight sends stop instantly": a send
// already past the gate check is allowed to complete.
package control

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/dispatch"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repository"
)

type Service struct {
	db         *sqlx.DB
	campaigns  repository.CampaignsRepository
	deliveries repository.DeliveriesRepository
	outbox     repository.OutboxRepository
	gate       *Gate
	maxRetries int
}

func NewService(
	db *sqlx.DB,
	campaigns repository.CampaignsRepository,
	deliveries repository.DeliveriesRepository,
	outbox repository.OutboxRepository,
	gate *Gate,
	maxRetries int,
) *Service {
	if maxRetries <= 0 {
		maxRetries = dispatch.DefaultMaxRetries
	}
	return &Service{
		db:         db,
		campaigns:  campaigns,
		deliveries: deliveries,
		outbox:     outbox,
		gate:       gate,
		maxRetries: maxRetries,
	}
}

// Result is the structured outcome every control operation returns. Expected
// business conditions (not found, illegal transition, already terminal) come
// back as Success=false with a display-ready message; only infrastructure
// failures propagate as errors.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type PauseResult struct {
	Result
}

// Pause stops new dispatch for a campaign; legal only from queued or sending.
// Deliveries already queued stay queued; pausing is a dispatch gate,
// not a cancellation.
func (s *Service) Pause(ctx context.Context, campaignID int64, reason, actor string) (*PauseResult, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return &PauseResult{Result{Message: fmt.Sprintf("campaign %d not found", campaignID)}}, nil
	}
	if !c.Status.Pauseable() {
		return &PauseResult{Result{Message: fmt.Sprintf("campaign %d cannot be paused from status %s", campaignID, c.Status)}}, nil
	}

	ok, err := s.campaigns.Transition(ctx, nil, campaignID, model.CampaignPaused,
		[]model.CampaignStatus{model.CampaignQueued, model.CampaignSending},
		strPtr(reason), strPtr(actor))
	if err != nil {
		return nil, fmt.Errorf("transition to paused: %w", err)
	}
	if !ok {
		// lost a race with another control operation
		return &PauseResult{Result{Message: fmt.Sprintf("campaign %d changed state concurrently; pause not applied", campaignID)}}, nil
	}

	s.gate.Invalidate(ctx, campaignID)
	return &PauseResult{Result{Success: true, Message: fmt.Sprintf("campaign %d paused", campaignID)}}, nil
}

type ResumeResult struct {
	Result
	Pending   int64 `json:"pending_count"`
	Completed bool  `json:"completed"`
}

// Resume restarts dispatch for a paused campaign. If nothing is left to send
// (no queued rows and no retry-eligible failures) the campaign transitions
// straight to completed: resuming an empty campaign IS completing it, which
// surprises callers expecting "resume" to mean "keep sending", hence the
// Completed flag in the result. Otherwise the campaign returns to sending and
// its queued deliveries are re-enqueued through the outbox.
func (s *Service) Resume(ctx context.Context, campaignID int64, actor string) (*ResumeResult, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return &ResumeResult{Result: Result{Message: fmt.Sprintf("campaign %d not found", campaignID)}}, nil
	}
	if c.Status != model.CampaignPaused {
		return &ResumeResult{Result: Result{Message: fmt.Sprintf("campaign %d cannot be resumed from status %s", campaignID, c.Status)}}, nil
	}

	pending, err := s.deliveries.CountPending(ctx, campaignID, s.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}

	if pending == 0 {
		ok, err := s.campaigns.Transition(ctx, nil, campaignID, model.CampaignCompleted,
			[]model.CampaignStatus{model.CampaignPaused}, nil, strPtr(actor))
		if err != nil {
			return nil, fmt.Errorf("transition to completed: %w", err)
		}
		if !ok {
			return &ResumeResult{Result: Result{Message: fmt.Sprintf("campaign %d changed state concurrently; resume not applied", campaignID)}}, nil
		}
		s.gate.Invalidate(ctx, campaignID)
		return &ResumeResult{
			Result:    Result{Success: true, Message: fmt.Sprintf("campaign %d had nothing left to send and was completed", campaignID)},
			Completed: true,
		}, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	queued, err := s.deliveries.ListQueued(ctx, tx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	ok, err := s.campaigns.Transition(ctx, tx, campaignID, model.CampaignSending,
		[]model.CampaignStatus{model.CampaignPaused}, nil, strPtr(actor))
	if err != nil {
		return nil, fmt.Errorf("transition to sending: %w", err)
	}
	if !ok {
		return &ResumeResult{Result: Result{Message: fmt.Sprintf("campaign %d changed state concurrently; resume not applied", campaignID)}}, nil
	}
	if err := dispatch.EnqueueJobs(ctx, tx, s.outbox, dispatch.FreshTopic, queued); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.gate.Invalidate(ctx, campaignID)
	return &ResumeResult{
		Result:  Result{Success: true, Message: fmt.Sprintf("campaign %d resumed with %d pending deliveries", campaignID, pending)},
		Pending: pending,
	}, nil
}

type CancelResult struct {
	Result
	CancelledDeliveries int64 `json:"cancelled_deliveries"`
}

// Cancel terminates a campaign from any non-terminal state. Every delivery
// still queued or failed is failed with a cancellation marker in one bulk
// statement; deliveries already sent are left untouched. Cancellation does
// not un-send what was already sent.
func (s *Service) Cancel(ctx context.Context, campaignID int64, reason, actor string) (*CancelResult, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return &CancelResult{Result: Result{Message: fmt.Sprintf("campaign %d not found", campaignID)}}, nil
	}
	if c.Status.Terminal() {
		return &CancelResult{Result: Result{Message: fmt.Sprintf("campaign %d is already %s", campaignID, c.Status)}}, nil
	}

	marker := "cancelled"
	if reason != "" {
		marker = "cancelled: " + reason
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := s.deliveries.CancelPending(ctx, tx, campaignID, marker)
	if err != nil {
		return nil, fmt.Errorf("cancel pending deliveries: %w", err)
	}
	ok, err := s.campaigns.Transition(ctx, tx, campaignID, model.CampaignCancelled,
		[]model.CampaignStatus{model.CampaignDraft, model.CampaignQueued, model.CampaignSending, model.CampaignPaused},
		strPtr(reason), strPtr(actor))
	if err != nil {
		return nil, fmt.Errorf("transition to cancelled: %w", err)
	}
	if !ok {
		return &CancelResult{Result: Result{Message: fmt.Sprintf("campaign %d reached a terminal state concurrently; cancel not applied", campaignID)}}, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.gate.Invalidate(ctx, campaignID)
	return &CancelResult{
		Result:              Result{Success: true, Message: fmt.Sprintf("campaign %d cancelled, %d deliveries stopped", campaignID, n)},
		CancelledDeliveries: n,
	}, nil
}

type StopAllResult struct {
	Result
	AffectedCampaigns []int64          `json:"affected_campaigns"`
	Failures          map[int64]string `json:"failures,omitempty"`
}

// EmergencyStopAll pauses every campaign currently queued or sending. One
// campaign's failure never aborts the rest; per-campaign outcomes are
// aggregated in the result.
func (s *Service) EmergencyStopAll(ctx context.Context, reason, actor string) (*StopAllResult, error) {
	active, err := s.campaigns.ListByStatuses(ctx, model.CampaignQueued, model.CampaignSending)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}

	out := &StopAllResult{Failures: make(map[int64]string)}
	for _, c := range active {
		res, err := s.Pause(ctx, c.ID, reason, actor)
		if err != nil {
			out.Failures[c.ID] = err.Error()
			continue
		}
		if !res.Success {
			out.Failures[c.ID] = res.Message
			continue
		}
		out.AffectedCampaigns = append(out.AffectedCampaigns, c.ID)
	}

	out.Success = true
	out.Message = fmt.Sprintf("emergency stop paused %d of %d active campaigns", len(out.AffectedCampaigns), len(active))
	if len(out.Failures) == 0 {
		out.Failures = nil
	}
	return out, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
