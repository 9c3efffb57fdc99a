// Package repotest provides in-memory repository doubles for service tests.
// Each fake mirrors the guard semantics of its SQL counterpart (status-set
// WHERE clauses, RowsAffected contracts) so services can be exercised without
// a database.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repository"
)

var (
	_ repository.CampaignsRepository  = (*FakeCampaigns)(nil)
	_ repository.DeliveriesRepository = (*FakeDeliveries)(nil)
	_ repository.OutboxRepository     = (*FakeOutbox)(nil)
	_ repository.RecipientsRepository = (*FakeRecipients)(nil)
	_ repository.SnapshotsRepository  = (*FakeSnapshots)(nil)
)

type FakeCampaigns struct {
	mu    sync.Mutex
	Items map[int64]*model.Campaign

	// Errs injects a per-campaign failure into GetByID and Transition.
	Errs map[int64]error
}

func NewFakeCampaigns(campaigns ...*model.Campaign) *FakeCampaigns {
	f := &FakeCampaigns{Items: make(map[int64]*model.Campaign)}
	for _, c := range campaigns {
		cc := *c
		f.Items[c.ID] = &cc
	}
	return f
}

func (f *FakeCampaigns) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs[id]; err != nil {
		return nil, err
	}
	c, ok := f.Items[id]
	if !ok {
		return nil, nil
	}
	cc := *c
	return &cc, nil
}

func (f *FakeCampaigns) ListByStatuses(_ context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Campaign
	for _, c := range f.Items {
		for _, st := range statuses {
			if c.Status == st {
				out = append(out, *c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeCampaigns) ListDueScheduled(_ context.Context, now time.Time) ([]model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Campaign
	for _, c := range f.Items {
		if c.Status == model.CampaignQueued && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeCampaigns) Transition(_ context.Context, _ *sqlx.Tx, id int64, to model.CampaignStatus, from []model.CampaignStatus, reason, actor *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs[id]; err != nil {
		return false, err
	}
	c, ok := f.Items[id]
	if !ok {
		return false, nil
	}
	match := false
	for _, st := range from {
		if c.Status == st {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	prev := c.Status
	c.Status = to
	c.StatusReason = reason
	c.StatusActor = actor
	now := time.Now()
	switch to {
	case model.CampaignPaused:
		c.PausedAt = &now
	case model.CampaignSending:
		if prev == model.CampaignPaused {
			c.ResumedAt = &now
		}
	case model.CampaignCancelled:
		c.CancelledAt = &now
	case model.CampaignCompleted:
		c.CompletedAt = &now
	}
	c.UpdatedAt = now
	return true, nil
}

type FakeDeliveries struct {
	mu    sync.Mutex
	Items map[string]*model.Delivery
}

func NewFakeDeliveries(deliveries ...*model.Delivery) *FakeDeliveries {
	f := &FakeDeliveries{Items: make(map[string]*model.Delivery)}
	for _, d := range deliveries {
		dd := *d
		f.Items[d.ID] = &dd
	}
	return f
}

func (f *FakeDeliveries) GetByID(_ context.Context, id string) (*model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Items[id]
	if !ok {
		return nil, nil
	}
	dd := *d
	return &dd, nil
}

func (f *FakeDeliveries) BulkInsert(_ context.Context, _ *sqlx.Tx, rows []model.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range rows {
		exists := false
		for _, have := range f.Items {
			if have.CampaignID == d.CampaignID && have.RecipientID == d.RecipientID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		dd := d
		dd.Status = model.DeliveryQueued
		dd.Attempts = 0
		f.Items[dd.ID] = &dd
	}
	return nil
}

func (f *FakeDeliveries) ClaimForSending(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Items[id]
	if !ok || d.Status != model.DeliveryQueued {
		return false, nil
	}
	d.Status = model.DeliverySending
	d.Attempts++
	return true, nil
}

func (f *FakeDeliveries) FinalizeBatch(_ context.Context, _ *sqlx.Tx, ids []string, status model.DeliveryStatus, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		d, ok := f.Items[id]
		if !ok || d.Status != model.DeliverySending {
			continue
		}
		d.Status = status
		d.LastError = lastError
	}
	return nil
}

func (f *FakeDeliveries) RecordEngagement(_ context.Context, id string, to model.DeliveryStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Items[id]
	if !ok {
		return false, nil
	}
	switch d.Status {
	case model.DeliverySent, model.DeliveryDelivered, model.DeliveryOpened, model.DeliveryClicked:
		d.Status = to
		return true, nil
	default:
		return false, nil
	}
}

func (f *FakeDeliveries) CountPending(_ context.Context, campaignID int64, maxRetries int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, d := range f.Items {
		if d.CampaignID != campaignID {
			continue
		}
		if d.Status == model.DeliveryQueued || (d.Status == model.DeliveryFailed && d.Attempts < maxRetries) {
			n++
		}
	}
	return n, nil
}

func (f *FakeDeliveries) ListQueued(_ context.Context, _ *sqlx.Tx, campaignID int64) ([]model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Delivery
	for _, d := range f.Items {
		if d.CampaignID == campaignID && d.Status == model.DeliveryQueued {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeDeliveries) CancelPending(_ context.Context, _ *sqlx.Tx, campaignID int64, marker string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, d := range f.Items {
		if d.CampaignID != campaignID {
			continue
		}
		if d.Status == model.DeliveryQueued || d.Status == model.DeliveryFailed {
			d.Status = model.DeliveryFailed
			m := marker
			d.LastError = &m
			n++
		}
	}
	return n, nil
}

func (f *FakeDeliveries) ResetForRetry(_ context.Context, _ *sqlx.Tx, campaignID int64, maxRetries int) ([]model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Delivery
	for _, d := range f.Items {
		if d.CampaignID == campaignID && d.Status == model.DeliveryFailed && d.Attempts < maxRetries {
			d.Status = model.DeliveryQueued
			d.LastError = nil
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeDeliveries) MarkDeadLettered(_ context.Context, campaignID int64, maxAttempts int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, d := range f.Items {
		if d.CampaignID != campaignID || d.Status != model.DeliveryFailed || d.Attempts < maxAttempts {
			continue
		}
		if d.LastError != nil && *d.LastError == model.DeadLetterMarker {
			continue
		}
		m := model.DeadLetterMarker
		d.LastError = &m
		n++
	}
	return n, nil
}

func (f *FakeDeliveries) StatusCounts(_ context.Context, campaignID int64) (map[model.DeliveryStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[model.DeliveryStatus]int64)
	for _, d := range f.Items {
		if d.CampaignID == campaignID {
			counts[d.Status]++
		}
	}
	return counts, nil
}

func (f *FakeDeliveries) DeadLetterCount(_ context.Context, campaignID int64, maxAttempts int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, d := range f.Items {
		if d.CampaignID == campaignID && d.Status == model.DeliveryFailed && d.Attempts >= maxAttempts {
			n++
		}
	}
	return n, nil
}

// FakeOutbox records enqueued events.
type FakeOutbox struct {
	mu     sync.Mutex
	Events []OutboxEvent
}

type OutboxEvent struct {
	Aggregate   string
	AggregateID string
	Topic       string
	Payload     []byte
}

func NewFakeOutbox() *FakeOutbox { return &FakeOutbox{} }

func (f *FakeOutbox) Insert(_ context.Context, _ *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = append(f.Events, OutboxEvent{Aggregate: aggregate, AggregateID: aggregateID, Topic: topic, Payload: payload})
	return nil
}

// TopicCount returns how many events were enqueued on a topic.
func (f *FakeOutbox) TopicCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.Events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

type FakeRecipients struct {
	Recipients []model.Recipient
}

func NewFakeRecipients(recipients ...model.Recipient) *FakeRecipients {
	return &FakeRecipients{Recipients: recipients}
}

func (f *FakeRecipients) ListActive(_ context.Context) ([]model.Recipient, error) {
	var out []model.Recipient
	for _, r := range f.Recipients {
		if r.Status == model.RecipientActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *FakeRecipients) CountActive(ctx context.Context) (int64, error) {
	rs, _ := f.ListActive(ctx)
	return int64(len(rs)), nil
}

type FakeSnapshots struct {
	mu    sync.Mutex
	Items map[int64]*model.Snapshot
}

func NewFakeSnapshots(snaps ...*model.Snapshot) *FakeSnapshots {
	f := &FakeSnapshots{Items: make(map[int64]*model.Snapshot)}
	for _, s := range snaps {
		ss := *s
		f.Items[s.CampaignID] = &ss
	}
	return f
}

func (f *FakeSnapshots) Get(_ context.Context, campaignID int64) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Items[campaignID]
	if !ok {
		return nil, nil
	}
	ss := *s
	return &ss, nil
}

func (f *FakeSnapshots) Upsert(_ context.Context, snap *model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss := *snap
	f.Items[snap.CampaignID] = &ss
	return nil
}
