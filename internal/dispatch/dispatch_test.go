package dispatch

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func failedDelivery(id string, attempts int) *model.Delivery {
	msg := "relay timeout"
	return &model.Delivery{
		ID:             id,
		CampaignID:     1,
		RecipientEmail: id + "@example.com",
		Status:         model.DeliveryFailed,
		Attempts:       attempts,
		LastError:      &msg,
	}
}

func TestRetryFailedDeliveries(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	campaigns := repotest.NewFakeCampaigns(&model.Campaign{ID: 1, Status: model.CampaignSending})
	deliveries := repotest.NewFakeDeliveries(
		failedDelivery("d1", 1),
		failedDelivery("d2", 2),
		failedDelivery("d3", 3), // at the limit: excluded
	)
	outbox := repotest.NewFakeOutbox()
	svc := NewService(db, campaigns, deliveries, outbox)

	res, err := svc.RetryFailedDeliveries(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.Retried)

	// requeued rows are clean again
	for _, id := range []string{"d1", "d2"} {
		d, _ := deliveries.GetByID(context.Background(), id)
		assert.Equal(t, model.DeliveryQueued, d.Status, id)
		assert.Nil(t, d.LastError, id)
	}
	d3, _ := deliveries.GetByID(context.Background(), "d3")
	assert.Equal(t, model.DeliveryFailed, d3.Status)

	assert.Equal(t, 2, outbox.TopicCount(RetryTopic))
	assert.Zero(t, outbox.TopicCount(FreshTopic))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryNothingEligibleIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	campaigns := repotest.NewFakeCampaigns(&model.Campaign{ID: 1, Status: model.CampaignSending})
	deliveries := repotest.NewFakeDeliveries(failedDelivery("d1", 3))
	svc := NewService(db, campaigns, deliveries, repotest.NewFakeOutbox())

	res, err := svc.RetryFailedDeliveries(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Retried)
}

func TestRetryUnknownCampaign(t *testing.T) {
	db, _ := newMockDB(t)
	svc := NewService(db, repotest.NewFakeCampaigns(), repotest.NewFakeDeliveries(), repotest.NewFakeOutbox())

	res, err := svc.RetryFailedDeliveries(context.Background(), 9, 3)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
}

func TestMoveToDeadLetterQueue(t *testing.T) {
	db, _ := newMockDB(t)
	campaigns := repotest.NewFakeCampaigns(&model.Campaign{ID: 1, Status: model.CampaignSending})
	deliveries := repotest.NewFakeDeliveries(
		failedDelivery("d1", 3), // exhausted
		failedDelivery("d2", 4), // exhausted
		failedDelivery("d3", 2), // still retryable
	)
	svc := NewService(db, campaigns, deliveries, repotest.NewFakeOutbox())

	res, err := svc.MoveToDeadLetterQueue(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.Moved)

	d1, _ := deliveries.GetByID(context.Background(), "d1")
	assert.Equal(t, model.DeliveryFailed, d1.Status, "dead-letter keeps status failed")
	require.NotNil(t, d1.LastError)
	assert.Equal(t, model.DeadLetterMarker, *d1.LastError)

	d3, _ := deliveries.GetByID(context.Background(), "d3")
	assert.NotEqual(t, model.DeadLetterMarker, *d3.LastError)

	// idempotent: a second pass finds nothing new
	res, err = svc.MoveToDeadLetterQueue(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Zero(t, res.Moved)
}

// Rows at attempts == limit belong to the DLQ, never to the retry set.
func TestRetryAndDeadLetterArePartitioned(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	campaigns := repotest.NewFakeCampaigns(&model.Campaign{ID: 1, Status: model.CampaignSending})
	deliveries := repotest.NewFakeDeliveries(failedDelivery("edge", 3))
	svc := NewService(db, campaigns, deliveries, repotest.NewFakeOutbox())

	retry, err := svc.RetryFailedDeliveries(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Zero(t, retry.Retried)

	dlq, err := svc.MoveToDeadLetterQueue(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlq.Moved)
}

func TestRecordEngagement(t *testing.T) {
	db, _ := newMockDB(t)
	campaigns := repotest.NewFakeCampaigns()
	deliveries := repotest.NewFakeDeliveries(
		&model.Delivery{ID: "d1", CampaignID: 1, Status: model.DeliverySent},
		&model.Delivery{ID: "d2", CampaignID: 1, Status: model.DeliveryQueued},
	)
	svc := NewService(db, campaigns, deliveries, repotest.NewFakeOutbox())

	res, err := svc.RecordEngagement(context.Background(), "d1", model.DeliveryOpened)
	require.NoError(t, err)
	assert.True(t, res.Success)
	d1, _ := deliveries.GetByID(context.Background(), "d1")
	assert.Equal(t, model.DeliveryOpened, d1.Status)

	// not dispatched yet: signal refused
	res, err = svc.RecordEngagement(context.Background(), "d2", model.DeliveryOpened)
	require.NoError(t, err)
	assert.False(t, res.Success)

	// bogus signal
	res, err = svc.RecordEngagement(context.Background(), "d1", model.DeliveryQueued)
	require.NoError(t, err)
	assert.False(t, res.Success)
}
