package control

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/dispatch"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockDB returns a sqlx handle whose transactions are mocked; queries go
// through the fake repositories, so only Begin/Commit are expected.
func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func campaign(id int64, status model.CampaignStatus) *model.Campaign {
	return &model.Campaign{ID: id, Title: "t", Subject: "s", Status: status}
}

func delivery(id string, campaignID int64, status model.DeliveryStatus, attempts int) *model.Delivery {
	return &model.Delivery{
		ID:             id,
		CampaignID:     campaignID,
		RecipientID:    int64(len(id)),
		RecipientEmail: id + "@example.com",
		Status:         status,
		Attempts:       attempts,
	}
}

func newService(db *sqlx.DB, campaigns *repotest.FakeCampaigns, deliveries *repotest.FakeDeliveries, outbox *repotest.FakeOutbox) *Service {
	gate := NewGate(nil, campaigns, 0)
	return NewService(db, campaigns, deliveries, outbox, gate, 3)
}

func TestPauseFromSending(t *testing.T) {
	db, _ := newMockDB(t)
	campaigns := repotest.NewFakeCampaigns(campaign(1, model.CampaignSending))
	svc := newService(db, campaigns, repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

	res, err := svc.Pause(context.Background(), 1, "provider incident", "operator:7")
	require.NoError(t, err)
	assert.True(t, res.Success)

	c, _ := campaigns.GetByID(context.Background(), 1)
	assert.Equal(t, model.CampaignPaused, c.Status)
	require.NotNil(t, c.StatusReason)
	assert.Equal(t, "provider incident", *c.StatusReason)
	require.NotNil(t, c.StatusActor)
	assert.Equal(t, "operator:7", *c.StatusActor)
	assert.NotNil(t, c.PausedAt)
}

func TestPauseIllegalStates(t *testing.T) {
	db, _ := newMockDB(t)
	for _, status := range []model.CampaignStatus{
		model.CampaignDraft, model.CampaignPaused,
		model.CampaignCompleted, model.CampaignCancelled,
	} {
		campaigns := repotest.NewFakeCampaigns(campaign(1, status))
		svc := newService(db, campaigns, repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

		res, err := svc.Pause(context.Background(), 1, "", "ops")
		require.NoError(t, err, status)
		assert.False(t, res.Success, status)

		c, _ := campaigns.GetByID(context.Background(), 1)
		assert.Equal(t, status, c.Status, "status must not change")
	}
}

func TestPauseNotFound(t *testing.T) {
	db, _ := newMockDB(t)
	svc := newService(db, repotest.NewFakeCampaigns(), repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

	res, err := svc.Pause(context.Background(), 99, "", "ops")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
}

func TestResumeWithNothingPendingCompletes(t *testing.T) {
	db, _ := newMockDB(t)
	campaigns := repotest.NewFakeCampaigns(campaign(1, model.CampaignPaused))
	// everything either sent or exhausted
	deliveries := repotest.NewFakeDeliveries(
		delivery("d1", 1, model.DeliverySent, 1),
		delivery("d2", 1, model.DeliveryFailed, 3),
	)
	svc := newService(db, campaigns, deliveries, repotest.NewFakeOutbox())

	res, err := svc.Resume(context.Background(), 1, "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Completed)
	assert.Zero(t, res.Pending)

	c, _ := campaigns.GetByID(context.Background(), 1)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)
}

func TestResumeRequeuesPending(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	campaigns := repotest.NewFakeCampaigns(campaign(1, model.CampaignPaused))
	deliveries := repotest.NewFakeDeliveries(
		delivery("d1", 1, model.DeliveryQueued, 0),
		delivery("d2", 1, model.DeliveryQueued, 1),
		delivery("d3", 1, model.DeliveryFailed, 1), // retry-eligible, requeued separately
		delivery("d4", 1, model.DeliverySent, 1),
	)
	outbox := repotest.NewFakeOutbox()
	svc := newService(db, campaigns, deliveries, outbox)

	res, err := svc.Resume(context.Background(), 1, "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Completed)
	assert.Equal(t, int64(3), res.Pending)

	c, _ := campaigns.GetByID(context.Background(), 1)
	assert.Equal(t, model.CampaignSending, c.Status)

	// only the queued rows go back out; failed rows wait for the retry op
	assert.Equal(t, 2, outbox.TopicCount(dispatch.FreshTopic))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeNotPaused(t *testing.T) {
	db, _ := newMockDB(t)
	campaigns := repotest.NewFakeCampaigns(campaign(1, model.CampaignSending))
	svc := newService(db, campaigns, repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

	res, err := svc.Resume(context.Background(), 1, "ops")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

// A paused campaign that is resumed always lands on sending or completed.
func TestPauseResumeNeverYieldsQueued(t *testing.T) {
	cases := []struct {
		name       string
		deliveries []*model.Delivery
		want       model.CampaignStatus
	}{
		{
			name:       "pending work resumes to sending",
			deliveries: []*model.Delivery{delivery("d1", 1, model.DeliveryQueued, 0)},
			want:       model.CampaignSending,
		},
		{
			name:       "drained campaign resumes to completed",
			deliveries: []*model.Delivery{delivery("d1", 1, model.DeliverySent, 1)},
			want:       model.CampaignCompleted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.MatchExpectationsInOrder(false)
			mock.ExpectBegin()
			mock.ExpectCommit()

			campaigns := repotest.NewFakeCampaigns(campaign(1, model.CampaignSending))
			fakes := make([]*model.Delivery, len(tc.deliveries))
			copy(fakes, tc.deliveries)
			deliveries := repotest.NewFakeDeliveries(fakes...)
			svc := newService(db, campaigns, deliveries, repotest.NewFakeOutbox())

			_, err := svc.Pause(context.Background(), 1, "", "ops")
			require.NoError(t, err)
			_, err = svc.Resume(context.Background(), 1, "ops")
			require.NoError(t, err)

			c, _ := campaigns.GetByID(context.Background(), 1)
			assert.Equal(t, tc.want, c.Status)
			assert.NotEqual(t, model.CampaignQueued, c.Status)
		})
	}
}

func TestCancelStopsPendingKeepsSent(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	campaigns := repotest.NewFakeCampaigns(campaign(1, model.CampaignSending))
	deliveries := repotest.NewFakeDeliveries(
		delivery("d1", 1, model.DeliveryQueued, 0),
		delivery("d2", 1, model.DeliveryFailed, 2),
		delivery("d3", 1, model.DeliverySent, 1),
		delivery("d4", 1, model.DeliveryOpened, 1),
	)
	svc := newService(db, campaigns, deliveries, repotest.NewFakeOutbox())

	res, err := svc.Cancel(context.Background(), 1, "wrong audience", "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.CancelledDeliveries)

	c, _ := campaigns.GetByID(context.Background(), 1)
	assert.Equal(t, model.CampaignCancelled, c.Status)

	d1, _ := deliveries.GetByID(context.Background(), "d1")
	assert.Equal(t, model.DeliveryFailed, d1.Status)
	require.NotNil(t, d1.LastError)
	assert.Contains(t, *d1.LastError, "cancelled")
	assert.Contains(t, *d1.LastError, "wrong audience")

	// already-dispatched rows are untouched
	d3, _ := deliveries.GetByID(context.Background(), "d3")
	assert.Equal(t, model.DeliverySent, d3.Status)
	d4, _ := deliveries.GetByID(context.Background(), "d4")
	assert.Equal(t, model.DeliveryOpened, d4.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelAlreadyTerminal(t *testing.T) {
	db, _ := newMockDB(t)
	for _, status := range []model.CampaignStatus{model.CampaignCompleted, model.CampaignCancelled} {
		campaigns := repotest.NewFakeCampaigns(campaign(1, status))
		svc := newService(db, campaigns, repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

		res, err := svc.Cancel(context.Background(), 1, "", "ops")
		require.NoError(t, err, status)
		assert.False(t, res.Success, status)
	}
}

func TestCancelFromPaused(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	campaigns := repotest.NewFakeCampaigns(campaign(1, model.CampaignPaused))
	svc := newService(db, campaigns, repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

	res, err := svc.Cancel(context.Background(), 1, "superseded", "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)

	c, _ := campaigns.GetByID(context.Background(), 1)
	assert.Equal(t, model.CampaignCancelled, c.Status)
}

func TestEmergencyStopAll(t *testing.T) {
	db, _ := newMockDB(t)
	campaigns := repotest.NewFakeCampaigns(
		campaign(1, model.CampaignSending),
		campaign(2, model.CampaignQueued),
		campaign(3, model.CampaignDraft),
		campaign(4, model.CampaignCompleted),
	)
	svc := newService(db, campaigns, repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

	res, err := svc.EmergencyStopAll(context.Background(), "provider outage", "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.ElementsMatch(t, []int64{1, 2}, res.AffectedCampaigns)
	assert.Nil(t, res.Failures)

	for _, id := range []int64{1, 2} {
		c, _ := campaigns.GetByID(context.Background(), id)
		assert.Equal(t, model.CampaignPaused, c.Status)
	}
	c3, _ := campaigns.GetByID(context.Background(), 3)
	assert.Equal(t, model.CampaignDraft, c3.Status)
	c4, _ := campaigns.GetByID(context.Background(), 4)
	assert.Equal(t, model.CampaignCompleted, c4.Status)
}

func TestEmergencyStopAllIsolatesFailures(t *testing.T) {
	db, _ := newMockDB(t)
	campaigns := repotest.NewFakeCampaigns(
		campaign(1, model.CampaignSending),
		campaign(2, model.CampaignSending),
		campaign(3, model.CampaignQueued),
	)
	campaigns.Errs = map[int64]error{2: errors.New("lock wait timeout")}
	svc := newService(db, campaigns, repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

	res, err := svc.EmergencyStopAll(context.Background(), "provider outage", "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.ElementsMatch(t, []int64{1, 3}, res.AffectedCampaigns)
	require.Contains(t, res.Failures, int64(2))
	assert.Contains(t, res.Failures[2], "lock wait timeout")

	for _, id := range []int64{1, 3} {
		c, _ := campaigns.GetByID(context.Background(), id)
		assert.Equal(t, model.CampaignPaused, c.Status)
	}
}

func TestEmergencyStopAllEmpty(t *testing.T) {
	db, _ := newMockDB(t)
	svc := newService(db, repotest.NewFakeCampaigns(), repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

	res, err := svc.EmergencyStopAll(context.Background(), "drill", "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.AffectedCampaigns)
}
