package stats

import (
	"context"
	"testing"

	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(id string, status model.DeliveryStatus, attempts int) *model.Delivery {
	return &model.Delivery{ID: id, CampaignID: 1, Status: status, Attempts: attempts}
}

func TestCampaignStatistics(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(&model.Campaign{ID: 1, Status: model.CampaignSending})
	deliveries := repotest.NewFakeDeliveries(
		d("d1", model.DeliveryQueued, 0),
		d("d2", model.DeliveryQueued, 0),
		d("d3", model.DeliverySent, 1),
		d("d4", model.DeliveryDelivered, 1),
		d("d5", model.DeliveryOpened, 1),
		d("d6", model.DeliveryFailed, 2),
		d("d7", model.DeliveryFailed, 3), // exhausted: in the DLQ partition
		d("d8", model.DeliveryBounced, 1),
	)
	svc := NewService(campaigns, deliveries, 3)

	st, err := svc.CampaignStatistics(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, int64(8), st.Total)
	assert.Equal(t, int64(2), st.Queued)
	assert.Equal(t, int64(1), st.Sent)
	assert.Equal(t, int64(1), st.Delivered)
	assert.Equal(t, int64(1), st.Opened)
	assert.Equal(t, int64(2), st.Failed)
	assert.Equal(t, int64(1), st.Bounced)
	assert.Equal(t, int64(1), st.DeadLettered, "DLQ overlaps failed, never adds to total")
}

func TestCampaignStatisticsZeroDeliveries(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(&model.Campaign{ID: 1, Status: model.CampaignDraft})
	svc := NewService(campaigns, repotest.NewFakeDeliveries(), 3)

	st, err := svc.CampaignStatistics(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, CampaignStats{}, *st)
}

func TestCampaignStatisticsMissingCampaign(t *testing.T) {
	svc := NewService(repotest.NewFakeCampaigns(), repotest.NewFakeDeliveries(), 3)

	st, err := svc.CampaignStatistics(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, st)
}
