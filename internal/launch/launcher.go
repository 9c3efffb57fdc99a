// Package launch turns a drafted or queued campaign into an active fan-out:
// snapshot frozen, ledger populated with one delivery per active recipient,
// jobs enqueued, campaign moved to sending.
package launch

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/dispatch"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repository"
	"github.com/pressroom/campaign-engine/internal/snapshot"
	"github.com/pressroom/campaign-engine/internal/util"
)

type Launcher struct {
	db         *sqlx.DB
	campaigns  repository.CampaignsRepository
	recipients repository.RecipientsRepository
	deliveries repository.DeliveriesRepository
	snapshots  repository.SnapshotsRepository
	outbox     repository.OutboxRepository
	builder    *snapshot.Builder
}

func New(
	db *sqlx.DB,
	campaigns repository.CampaignsRepository,
	recipients repository.RecipientsRepository,
	deliveries repository.DeliveriesRepository,
	snapshots repository.SnapshotsRepository,
	outbox repository.OutboxRepository,
	builder *snapshot.Builder,
) *Launcher {
	return &Launcher{
		db:         db,
		campaigns:  campaigns,
		recipients: recipients,
		deliveries: deliveries,
		snapshots:  snapshots,
		outbox:     outbox,
		builder:    builder,
	}
}

type StartResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	QueuedCount     int64  `json:"queued_count"`
	SnapshotVersion int    `json:"snapshot_version,omitempty"`
}

// Start launches a campaign: legal from draft or queued. The snapshot is
// built here, before the first delivery is dispatched, if one does not exist
// yet. Ledger population is idempotent (recipients that already have a row
// for this campaign are skipped) so a crashed launch can be re-run.
func (l *Launcher) Start(ctx context.Context, campaignID int64, actor string) (*StartResult, error) {
	c, err := l.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return &StartResult{Message: fmt.Sprintf("campaign %d not found", campaignID)}, nil
	}
	if c.Status != model.CampaignDraft && c.Status != model.CampaignQueued {
		return &StartResult{Message: fmt.Sprintf("campaign %d cannot start from status %s", campaignID, c.Status)}, nil
	}

	snap, err := l.snapshots.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if snap == nil {
		res, err := l.builder.CreateSnapshot(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return &StartResult{Message: res.Message}, nil
		}
		snap = res.Snapshot
	}

	recs, err := l.recipients.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	if len(recs) == 0 {
		return &StartResult{Message: "no active recipients to deliver to"}, nil
	}

	rows := make([]model.Delivery, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, model.Delivery{
			ID:             util.NewULID(),
			CampaignID:     campaignID,
			RecipientID:    rec.ID,
			RecipientEmail: rec.Email,
			Status:         model.DeliveryQueued,
		})
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.deliveries.BulkInsert(ctx, tx, rows); err != nil {
		return nil, fmt.Errorf("populate ledger: %w", err)
	}
	// Re-read what is actually queued: the insert ignores duplicates, and a
	// previous partial launch may have left rows behind.
	queued, err := l.deliveries.ListQueued(ctx, tx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	ok, err := l.campaigns.Transition(ctx, tx, campaignID, model.CampaignSending,
		[]model.CampaignStatus{model.CampaignDraft, model.CampaignQueued}, nil, strPtr(actor))
	if err != nil {
		return nil, fmt.Errorf("transition to sending: %w", err)
	}
	if !ok {
		return &StartResult{Message: fmt.Sprintf("campaign %d changed state concurrently; start not applied", campaignID)}, nil
	}
	if err := dispatch.EnqueueJobs(ctx, tx, l.outbox, dispatch.FreshTopic, queued); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &StartResult{
		Success:         true,
		Message:         fmt.Sprintf("campaign %d started with %d deliveries", campaignID, len(queued)),
		QueuedCount:     int64(len(queued)),
		SnapshotVersion: snap.TemplateVersion,
	}, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
