package snapshot

import (
	"context"
	"testing"

	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder(campaigns *repotest.FakeCampaigns, snapshots *repotest.FakeSnapshots) *Builder {
	recipients := repotest.NewFakeRecipients(
		model.Recipient{ID: 1, Email: "alice@example.com", Status: model.RecipientActive},
		model.Recipient{ID: 2, Email: "bob@example.com", Status: model.RecipientActive},
		model.Recipient{ID: 3, Email: "gone@example.com", Status: model.RecipientUnsubscribed},
	)
	compiler := NewStaticCompiler(BuiltinLayouts())
	source := &StaticSource{Articles: []string{"art-1", "art-2"}}
	return NewBuilder(campaigns, snapshots, recipients, compiler, source)
}

func testCampaign(template string) *model.Campaign {
	c := &model.Campaign{ID: 1, Title: "Weekly Digest", Subject: "This week", Status: model.CampaignDraft}
	if template != "" {
		c.TemplateID = &template
	}
	return c
}

func TestCreateSnapshot(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(testCampaign("weekly-digest"))
	snapshots := repotest.NewFakeSnapshots()
	b := testBuilder(campaigns, snapshots)

	res, err := b.CreateSnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Snapshot)

	snap := res.Snapshot
	assert.Equal(t, 1, snap.TemplateVersion)
	assert.Equal(t, "Weekly Digest", snap.Subject, "campaign vars substituted at compile time")
	assert.Contains(t, snap.HTMLContent, "art-1, art-2")
	assert.Contains(t, snap.HTMLContent, "{{recipient_email}}", "recipient tokens stay literal until send time")
	assert.Equal(t, model.ArticleIDs{"art-1", "art-2"}, snap.ArticleIDs)
	assert.Equal(t, int64(2), snap.RecipientCount, "only active recipients counted")
	assert.True(t, snap.VerifyHash())
}

func TestCreateSnapshotHashRoundTrip(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(testCampaign("plain"))
	b := testBuilder(campaigns, repotest.NewFakeSnapshots())

	res, err := b.CreateSnapshot(context.Background(), 1)
	require.NoError(t, err)
	snap := res.Snapshot

	assert.Equal(t,
		model.ContentHash(snap.Subject, snap.HTMLContent, snap.TextContent),
		snap.ContentHash)
}

func TestCreateSnapshotBumpsVersion(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(testCampaign("plain"))
	snapshots := repotest.NewFakeSnapshots()
	b := testBuilder(campaigns, snapshots)

	for want := 1; want <= 3; want++ {
		res, err := b.CreateSnapshot(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, want, res.Snapshot.TemplateVersion)
	}

	// one live row per campaign
	assert.Len(t, snapshots.Items, 1)
}

func TestCreateSnapshotCampaignNotFound(t *testing.T) {
	b := testBuilder(repotest.NewFakeCampaigns(), repotest.NewFakeSnapshots())

	res, err := b.CreateSnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
}

func TestCreateSnapshotNoTemplate(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(testCampaign(""))
	b := testBuilder(campaigns, repotest.NewFakeSnapshots())

	res, err := b.CreateSnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no template")
}

func TestCreateSnapshotUnknownTemplate(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(testCampaign("does-not-exist"))
	b := testBuilder(campaigns, repotest.NewFakeSnapshots())

	_, err := b.CreateSnapshot(context.Background(), 1)
	assert.Error(t, err)
}

func TestVerifySnapshot(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(testCampaign("plain"))
	snapshots := repotest.NewFakeSnapshots()
	b := testBuilder(campaigns, snapshots)

	_, err := b.CreateSnapshot(context.Background(), 1)
	require.NoError(t, err)

	// verification is read-only and repeatable
	for i := 0; i < 3; i++ {
		ok, err := b.VerifySnapshot(context.Background(), 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestVerifySnapshotDetectsCorruption(t *testing.T) {
	campaigns := repotest.NewFakeCampaigns(testCampaign("plain"))
	snapshots := repotest.NewFakeSnapshots()
	b := testBuilder(campaigns, snapshots)

	_, err := b.CreateSnapshot(context.Background(), 1)
	require.NoError(t, err)

	snapshots.Items[1].HTMLContent += "<!-- tampered -->"

	ok, err := b.VerifySnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// verify never repairs
	ok, err = b.VerifySnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySnapshotMissing(t *testing.T) {
	b := testBuilder(repotest.NewFakeCampaigns(), repotest.NewFakeSnapshots())

	_, err := b.VerifySnapshot(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSubstitute(t *testing.T) {
	out := Substitute("Hi {{name}}, see {{link}} and {{unknown}}", map[string]string{
		"name": "Alice",
		"link": "https://example.com",
	})
	assert.Equal(t, "Hi Alice, see https://example.com and {{unknown}}", out)
}
