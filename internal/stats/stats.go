// Package stats provides the read-side rollups operators use for progress
// visibility and that resume uses to decide natural completion.
package stats

import (
	"context"
	"fmt"

	"github.com/pressroom/campaign-engine/internal/dispatch"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repository"
)

// CampaignStats counts deliveries by status. DeadLettered counts the logical
// DLQ partition (failed AND attempts >= maxAttempts), which overlaps Failed.
type CampaignStats struct {
	Total        int64 `json:"total"`
	Queued       int64 `json:"queued"`
	Sending      int64 `json:"sending"`
	Sent         int64 `json:"sent"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Opened       int64 `json:"opened"`
	Clicked      int64 `json:"clicked"`
	Bounced      int64 `json:"bounced"`
	Complained   int64 `json:"complained"`
	DeadLettered int64 `json:"dead_lettered"`
}

type Service struct {
	campaigns   repository.CampaignsRepository
	deliveries  repository.DeliveriesRepository
	maxAttempts int
}

func NewService(campaigns repository.CampaignsRepository, deliveries repository.DeliveriesRepository, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = dispatch.DefaultMaxAttempts
	}
	return &Service{campaigns: campaigns, deliveries: deliveries, maxAttempts: maxAttempts}
}

// CampaignStatistics groups deliveries by status. A campaign with zero
// deliveries yields all-zero stats, not an error; a missing campaign returns
// (nil, nil) and the caller shapes the not-found response.
func (s *Service) CampaignStatistics(ctx context.Context, campaignID int64) (*CampaignStats, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return nil, nil
	}

	counts, err := s.deliveries.StatusCounts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}

	st := &CampaignStats{}
	for status, n := range counts {
		st.Total += n
		switch status {
		case model.DeliveryQueued:
			st.Queued = n
		case model.DeliverySending:
			st.Sending = n
		case model.DeliverySent:
			st.Sent = n
		case model.DeliveryDelivered:
			st.Delivered = n
		case model.DeliveryFailed:
			st.Failed = n
		case model.DeliveryOpened:
			st.Opened = n
		case model.DeliveryClicked:
			st.Clicked = n
		case model.DeliveryBounced:
			st.Bounced = n
		case model.DeliveryComplained:
			st.Complained = n
		}
	}

	if st.Failed > 0 {
		dlq, err := s.deliveries.DeadLetterCount(ctx, campaignID, s.maxAttempts)
		if err != nil {
			return nil, fmt.Errorf("dead-letter count: %w", err)
		}
		st.DeadLettered = dlq
	}
	return st, nil
}
