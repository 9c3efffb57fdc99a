package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/model"
)

type RecipientsRepository interface {
	ListActive(ctx context.Context) ([]model.Recipient, error)
	CountActive(ctx context.Context) (int64, error)
}

type RecipientsRepositoryImpl struct {
	db *sqlx.DB
}

func NewRecipientsRepository(db *sqlx.DB) *RecipientsRepositoryImpl {
	return &RecipientsRepositoryImpl{db: db}
}

var _ RecipientsRepository = (*RecipientsRepositoryImpl)(nil)

func (r *RecipientsRepositoryImpl) ListActive(ctx context.Context) ([]model.Recipient, error) {
	var rows []model.Recipient
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, email, name, status, created_at
		  FROM recipients
		 WHERE status = 'active'
		 ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *RecipientsRepositoryImpl) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM recipients WHERE status = 'active'`)
	return n, err
}
