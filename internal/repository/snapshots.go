package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/model"
)

// SnapshotsRepository persists frozen campaign content. Exactly one row per
// campaign is ever live; Upsert replaces it.
type SnapshotsRepository interface {
	Get(ctx context.Context, campaignID int64) (*model.Snapshot, error)
	Upsert(ctx context.Context, snap *model.Snapshot) error
}

type SnapshotsRepositoryImpl struct {
	db *sqlx.DB
}

func NewSnapshotsRepository(db *sqlx.DB) *SnapshotsRepositoryImpl {
	return &SnapshotsRepositoryImpl{db: db}
}

var _ SnapshotsRepository = (*SnapshotsRepositoryImpl)(nil)

func (r *SnapshotsRepositoryImpl) Get(ctx context.Context, campaignID int64) (*model.Snapshot, error) {
	var s model.Snapshot
	err := r.db.GetContext(ctx, &s, `
		SELECT campaign_id, subject, html_content, text_content, preheader,
		       template_id, template_version, article_ids, content_hash,
		       recipient_count, segment_count, generated_at
		  FROM snapshots
		 WHERE campaign_id = ? LIMIT 1
	`, campaignID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SnapshotsRepositoryImpl) Upsert(ctx context.Context, snap *model.Snapshot) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO snapshots
		    (campaign_id, subject, html_content, text_content, preheader,
		     template_id, template_version, article_ids, content_hash,
		     recipient_count, segment_count, generated_at)
		VALUES
		    (:campaign_id, :subject, :html_content, :text_content, :preheader,
		     :template_id, :template_version, :article_ids, :content_hash,
		     :recipient_count, :segment_count, :generated_at)
		ON DUPLICATE KEY UPDATE
		    subject = VALUES(subject),
		    html_content = VALUES(html_content),
		    text_content = VALUES(text_content),
		    preheader = VALUES(preheader),
		    template_id = VALUES(template_id),
		    template_version = VALUES(template_version),
		    article_ids = VALUES(article_ids),
		    content_hash = VALUES(content_hash),
		    recipient_count = VALUES(recipient_count),
		    segment_count = VALUES(segment_count),
		    generated_at = VALUES(generated_at)
	`, snap)
	return err
}
