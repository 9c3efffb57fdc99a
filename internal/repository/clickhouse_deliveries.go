package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/model"
)

// CHDeliveriesRepository lists delivery events from ClickHouse (read model
// filled from the Kafka stream; this engine never writes it).
type CHDeliveriesRepository interface {
	ListByCampaign(ctx context.Context, campaignID int64, status string, limit, offset int) ([]model.DeliveryEvent, error)
}

type chDeliveriesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHDeliveriesRepository(ch *sqlx.DB) CHDeliveriesRepository {
	return &chDeliveriesRepository{ch: ch}
}

func (r *chDeliveriesRepository) ListByCampaign(ctx context.Context, campaignID int64, status string, limit, offset int) ([]model.DeliveryEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT delivery_id, campaign_id, recipient_email, status, attempts, error, event_time
		FROM campaign.delivery_events_latest
		WHERE campaign_id = ?
	`
	args := []any{campaignID}

	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}

	q += " ORDER BY event_time DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.DeliveryEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
