// Package dispatch holds the rules that move deliveries between states:
// retry eligibility, the dead-letter predicate, and engagement signals. The
// worker pool applies outcomes; this package decides what is eligible to move.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repository"
)

const (
	// FreshTopic carries first-time sends; RetryTopic is the lower-priority
	// lane for requeued failures.
	FreshTopic = "campaign.deliveries"
	RetryTopic = "campaign.deliveries.retry"
)

// Defaults applied at the call boundary when a caller passes a non-positive
// value; kept as parameters so tests can exercise boundary values.
const (
	DefaultMaxRetries  = 3
	DefaultMaxAttempts = 3
)

// EnqueueJobs writes one outbox row per delivery inside tx; the outbox SMT
// publishes them to Kafka. At-least-once: the worker-side status claim
// absorbs redelivery.
func EnqueueJobs(ctx context.Context, tx *sqlx.Tx, outbox repository.OutboxRepository, topic string, rows []model.Delivery) error {
	for _, d := range rows {
		job := model.DeliveryJob{
			ID:             d.ID,
			CampaignID:     d.CampaignID,
			RecipientID:    d.RecipientID,
			RecipientEmail: d.RecipientEmail,
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal delivery job: %w", err)
		}
		if err := outbox.Insert(ctx, tx, "delivery", d.ID, topic, payload); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
	}
	return nil
}

type Service struct {
	db         *sqlx.DB
	campaigns  repository.CampaignsRepository
	deliveries repository.DeliveriesRepository
	outbox     repository.OutboxRepository
}

func NewService(
	db *sqlx.DB,
	campaigns repository.CampaignsRepository,
	deliveries repository.DeliveriesRepository,
	outbox repository.OutboxRepository,
) *Service {
	return &Service{db: db, campaigns: campaigns, deliveries: deliveries, outbox: outbox}
}

type RetryResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Retried int64  `json:"retried_count"`
}

// RetryFailedDeliveries requeues failed deliveries with attempts < maxRetries,
// clears last_error, and re-enqueues them on the retry lane. Nothing eligible
// is a no-op, not an error. The reset and the outbox writes share one
// transaction so the ledger and queue cannot diverge.
func (s *Service) RetryFailedDeliveries(ctx context.Context, campaignID int64, maxRetries int) (*RetryResult, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return &RetryResult{Message: fmt.Sprintf("campaign %d not found", campaignID)}, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := s.deliveries.ResetForRetry(ctx, tx, campaignID, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("reset for retry: %w", err)
	}
	if err := EnqueueJobs(ctx, tx, s.outbox, RetryTopic, rows); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return &RetryResult{Success: true, Message: fmt.Sprintf("campaign %d has no retry-eligible deliveries", campaignID)}, nil
	}
	return &RetryResult{
		Success: true,
		Message: fmt.Sprintf("requeued %d failed deliveries for campaign %d", len(rows), campaignID),
		Retried: int64(len(rows)),
	}, nil
}

type DeadLetterResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Moved   int64  `json:"moved_count"`
}

// MoveToDeadLetterQueue stamps exhausted deliveries (failed, attempts >=
// maxAttempts) with the dead-letter marker. The DLQ is a logical partition of
// failed-and-exhausted rows, not a separate status, so retry eligibility and
// statistics filter on attempts rather than status alone.
func (s *Service) MoveToDeadLetterQueue(ctx context.Context, campaignID int64, maxAttempts int) (*DeadLetterResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return &DeadLetterResult{Message: fmt.Sprintf("campaign %d not found", campaignID)}, nil
	}

	n, err := s.deliveries.MarkDeadLettered(ctx, campaignID, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("mark dead-lettered: %w", err)
	}
	return &DeadLetterResult{
		Success: true,
		Message: fmt.Sprintf("moved %d exhausted deliveries to the dead-letter queue for campaign %d", n, campaignID),
		Moved:   n,
	}, nil
}

type EngagementResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RecordEngagement applies an asynchronous feedback signal (opened, clicked,
// bounced, complained) to a dispatched delivery.
func (s *Service) RecordEngagement(ctx context.Context, deliveryID string, status model.DeliveryStatus) (*EngagementResult, error) {
	if !status.Engagement() && status != model.DeliveryDelivered {
		return &EngagementResult{Message: fmt.Sprintf("%s is not an engagement status", status)}, nil
	}

	ok, err := s.deliveries.RecordEngagement(ctx, deliveryID, status)
	if err != nil {
		return nil, fmt.Errorf("record engagement: %w", err)
	}
	if !ok {
		return &EngagementResult{Message: fmt.Sprintf("delivery %s not found or not in a dispatched state", deliveryID)}, nil
	}
	return &EngagementResult{Success: true, Message: fmt.Sprintf("delivery %s marked %s", deliveryID, status)}, nil
}
