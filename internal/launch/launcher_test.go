package launch

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/dispatch"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repotest"
	"github.com/pressroom/campaign-engine/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db         *sqlx.DB
	mock       sqlmock.Sqlmock
	campaigns  *repotest.FakeCampaigns
	recipients *repotest.FakeRecipients
	deliveries *repotest.FakeDeliveries
	snapshots  *repotest.FakeSnapshots
	outbox     *repotest.FakeOutbox
	launcher   *Launcher
}

func newFixture(t *testing.T, campaigns ...*model.Campaign) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	f := &fixture{
		db:        sdb,
		mock:      mock,
		campaigns: repotest.NewFakeCampaigns(campaigns...),
		recipients: repotest.NewFakeRecipients(
			model.Recipient{ID: 1, Email: "alice@example.com", Status: model.RecipientActive},
			model.Recipient{ID: 2, Email: "bob@example.com", Status: model.RecipientActive},
			model.Recipient{ID: 3, Email: "gone@example.com", Status: model.RecipientUnsubscribed},
		),
		deliveries: repotest.NewFakeDeliveries(),
		snapshots:  repotest.NewFakeSnapshots(),
		outbox:     repotest.NewFakeOutbox(),
	}
	builder := snapshot.NewBuilder(
		f.campaigns, f.snapshots, f.recipients,
		snapshot.NewStaticCompiler(snapshot.BuiltinLayouts()),
		&snapshot.StaticSource{Articles: snapshot.BuiltinArticles()},
	)
	f.launcher = New(f.db, f.campaigns, f.recipients, f.deliveries, f.snapshots, f.outbox, builder)
	return f
}

func draft(id int64) *model.Campaign {
	tpl := "weekly-digest"
	return &model.Campaign{ID: id, Title: "Digest", Subject: "s", TemplateID: &tpl, Status: model.CampaignDraft}
}

func TestStartFromDraft(t *testing.T) {
	f := newFixture(t, draft(1))
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.launcher.Start(context.Background(), 1, "operator:1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.QueuedCount, "one delivery per active recipient")
	assert.Equal(t, 1, res.SnapshotVersion, "snapshot built on first launch")

	c, _ := f.campaigns.GetByID(context.Background(), 1)
	assert.Equal(t, model.CampaignSending, c.Status)
	assert.Nil(t, c.ResumedAt)

	snap, _ := f.snapshots.Get(context.Background(), 1)
	require.NotNil(t, snap)
	assert.True(t, snap.VerifyHash())

	assert.Equal(t, 2, f.outbox.TopicCount(dispatch.FreshTopic))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestStartKeepsExistingSnapshot(t *testing.T) {
	f := newFixture(t, draft(1))
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	subject, html, text := "frozen", "<p>frozen</p>", "frozen"
	require.NoError(t, f.snapshots.Upsert(context.Background(), &model.Snapshot{
		CampaignID:      1,
		Subject:         subject,
		HTMLContent:     html,
		TextContent:     text,
		TemplateID:      "weekly-digest",
		TemplateVersion: 4,
		ContentHash:     model.ContentHash(subject, html, text),
	}))

	res, err := f.launcher.Start(context.Background(), 1, "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.SnapshotVersion, "launch never regenerates a frozen snapshot")

	snap, _ := f.snapshots.Get(context.Background(), 1)
	assert.Equal(t, "frozen", snap.Subject)
}

func TestStartIsIdempotentAcrossRelaunch(t *testing.T) {
	f := newFixture(t, draft(1))
	f.mock.MatchExpectationsInOrder(false)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	_, err := f.launcher.Start(context.Background(), 1, "ops")
	require.NoError(t, err)

	// simulate a crashed launch: campaign back to queued, ledger retained
	f.campaigns.Items[1].Status = model.CampaignQueued

	res, err := f.launcher.Start(context.Background(), 1, "ops")
	require.NoError(t, err)
	assert.True(t, res.Success)

	// ledger still has exactly one row per recipient
	assert.Len(t, f.deliveries.Items, 2)
}

func TestStartIllegalStates(t *testing.T) {
	for _, status := range []model.CampaignStatus{
		model.CampaignSending, model.CampaignPaused,
		model.CampaignCompleted, model.CampaignCancelled,
	} {
		c := draft(1)
		c.Status = status
		f := newFixture(t, c)

		res, err := f.launcher.Start(context.Background(), 1, "ops")
		require.NoError(t, err, status)
		assert.False(t, res.Success, status)
	}
}

func TestStartNoTemplate(t *testing.T) {
	c := draft(1)
	c.TemplateID = nil
	f := newFixture(t, c)

	res, err := f.launcher.Start(context.Background(), 1, "ops")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no template")
}

func TestStartNotFound(t *testing.T) {
	f := newFixture(t)

	res, err := f.launcher.Start(context.Background(), 7, "ops")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
}
