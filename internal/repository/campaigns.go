package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/model"
)

// CampaignsRepository defines persistence for the campaigns table. Status
// transitions are guarded single UPDATEs (WHERE status IN ...) so concurrent
// control operations race safely; callers inspect the returned bool.
type CampaignsRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	ListByStatuses(ctx context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]model.Campaign, error)
	// Transition moves a campaign to `to` only if its current status is in
	// `from`, recording reason/actor and the transition timestamp. Returns
	// false when the guard did not match (no row, or illegal transition).
	Transition(ctx context.Context, tx *sqlx.Tx, id int64, to model.CampaignStatus, from []model.CampaignStatus, reason, actor *string) (bool, error)
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

var _ CampaignsRepository = (*CampaignsRepositoryImpl)(nil)

const campaignColumns = `
	id, title, subject, template_id, status, scheduled_at,
	status_reason, status_actor, paused_at, resumed_at, cancelled_at,
	completed_at, created_at, updated_at
`

func (r *CampaignsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ? LIMIT 1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignsRepositoryImpl) ListByStatuses(ctx context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+campaignColumns+` FROM campaigns WHERE status IN (?) ORDER BY id`,
		statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var rows []model.Campaign
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListDueScheduled returns queued campaigns whose scheduled_at has passed.
func (r *CampaignsRepositoryImpl) ListDueScheduled(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	var rows []model.Campaign
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+campaignColumns+`
		  FROM campaigns
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at
	`, model.CampaignQueued.String(), now)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// transitionStampCol maps a transition to the timestamp column it sets.
// Sending is reachable both from a fresh launch and from a resume; only the
// resume stamps resumed_at.
func transitionStampCol(to model.CampaignStatus, from []model.CampaignStatus) string {
	switch to {
	case model.CampaignPaused:
		return "paused_at"
	case model.CampaignSending:
		for _, s := range from {
			if s == model.CampaignPaused {
				return "resumed_at"
			}
		}
		return ""
	case model.CampaignCancelled:
		return "cancelled_at"
	case model.CampaignCompleted:
		return "completed_at"
	default:
		return ""
	}
}

func (r *CampaignsRepositoryImpl) Transition(ctx context.Context, tx *sqlx.Tx, id int64, to model.CampaignStatus, from []model.CampaignStatus, reason, actor *string) (bool, error) {
	base := `UPDATE campaigns SET status = ?, status_reason = ?, status_actor = ?, updated_at = NOW()`
	if col := transitionStampCol(to, from); col != "" {
		base += `, ` + col + ` = NOW()`
	}
	base += ` WHERE id = ? AND status IN (?)`

	query, args, err := sqlx.In(base, to.String(), reason, actor, id, statusStrings(from))
	if err != nil {
		return false, err
	}
	query = r.db.Rebind(query)

	var res sql.Result
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		res, err = r.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func statusStrings(statuses []model.CampaignStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s.String())
	}
	return out
}
