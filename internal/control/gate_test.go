package control

import (
	"context"
	"testing"
	"time"

	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateFallsThroughWithoutRedis(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(campaign(1, model.CampaignSending))
	gate := NewGate(nil, campaigns, time.Second)

	st, err := gate.Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignSending, st)

	// no cache means a transition is visible immediately
	_, err = campaigns.Transition(context.Background(), nil, 1, model.CampaignPaused,
		[]model.CampaignStatus{model.CampaignSending}, nil, nil)
	require.NoError(t, err)

	st, err = gate.Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPaused, st)
}

func TestGateRunnable(t *testing.T) {
	cases := []struct {
		status   model.CampaignStatus
		runnable bool
	}{
		{model.CampaignQueued, true},
		{model.CampaignSending, true},
		{model.CampaignDraft, false},
		{model.CampaignPaused, false},
		{model.CampaignCompleted, false},
		{model.CampaignCancelled, false},
	}

	for _, tc := range cases {
		campaigns := repotest.NewFakeCampaigns(campaign(1, tc.status))
		gate := NewGate(nil, campaigns, time.Second)

		ok, st, err := gate.Runnable(context.Background(), 1)
		require.NoError(t, err, tc.status)
		assert.Equal(t, tc.runnable, ok, tc.status)
		assert.Equal(t, tc.status, st)
	}
}

func TestGateUnknownCampaign(t *testing.T) {
	gate := NewGate(nil, repotest.NewFakeCampaigns(), time.Second)

	_, _, err := gate.Runnable(context.Background(), 42)
	assert.Error(t, err)
}

func TestGateInvalidateWithoutRedisIsNoop(t *testing.T) {
	gate := NewGate(nil, repotest.NewFakeCampaigns(), time.Second)
	gate.Invalidate(context.Background(), 1) // must not panic
}
