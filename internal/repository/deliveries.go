package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pressroom/campaign-engine/internal/model"
)

// DeliveriesRepository defines persistence for the deliveries table, the
// ledger with one row per (campaign, recipient). Bulk transitions are single
// statements scoped by (campaign_id, status IN set) so they cannot race the
// dispatch loop into a half-cancelled campaign.
type DeliveriesRepository interface {
	GetByID(ctx context.Context, id string) (*model.Delivery, error)
	// BulkInsert populates the ledger, ignoring rows that already exist for
	// the (campaign, recipient) pair.
	BulkInsert(ctx context.Context, tx *sqlx.Tx, rows []model.Delivery) error
	// ClaimForSending moves queued -> sending and bumps attempts in one
	// guarded statement. A false return means the row was already claimed
	// (queue redelivery) or is no longer dispatchable.
	ClaimForSending(ctx context.Context, id string) (bool, error)
	// FinalizeBatch records the outcome for many claimed deliveries at once.
	FinalizeBatch(ctx context.Context, tx *sqlx.Tx, ids []string, status model.DeliveryStatus, lastError *string) error
	// RecordEngagement applies an asynchronous feedback signal; legal only
	// from sent/delivered/opened/clicked.
	RecordEngagement(ctx context.Context, id string, to model.DeliveryStatus) (bool, error)

	// CountPending counts queued plus retry-eligible failed rows.
	CountPending(ctx context.Context, campaignID int64, maxRetries int) (int64, error)
	// ListQueued returns queued rows for re-enqueueing, locked when called
	// inside a transaction.
	ListQueued(ctx context.Context, tx *sqlx.Tx, campaignID int64) ([]model.Delivery, error)
	// CancelPending fails every queued or failed row with the given marker
	// in a single statement and reports how many it touched.
	CancelPending(ctx context.Context, tx *sqlx.Tx, campaignID int64, marker string) (int64, error)
	// ResetForRetry requeues failed rows with attempts < maxRetries, clears
	// last_error, and returns the affected rows (for re-enqueueing).
	ResetForRetry(ctx context.Context, tx *sqlx.Tx, campaignID int64, maxRetries int) ([]model.Delivery, error)
	// MarkDeadLettered stamps exhausted rows (failed, attempts >= maxAttempts)
	// with the dead-letter marker; status stays failed.
	MarkDeadLettered(ctx context.Context, campaignID int64, maxAttempts int) (int64, error)

	StatusCounts(ctx context.Context, campaignID int64) (map[model.DeliveryStatus]int64, error)
	DeadLetterCount(ctx context.Context, campaignID int64, maxAttempts int) (int64, error)
}

type DeliveriesRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeliveriesRepository(db *sqlx.DB) *DeliveriesRepositoryImpl {
	return &DeliveriesRepositoryImpl{db: db}
}

var _ DeliveriesRepository = (*DeliveriesRepositoryImpl)(nil)

func (r *DeliveriesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

const deliveryColumns = `
	id, campaign_id, recipient_id, recipient_email, status, attempts,
	last_error, created_at, updated_at
`

func (r *DeliveriesRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Delivery, error) {
	var d model.Delivery
	err := r.db.GetContext(ctx, &d,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ? LIMIT 1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeliveriesRepositoryImpl) BulkInsert(ctx context.Context, tx *sqlx.Tx, rows []model.Delivery) error {
	if len(rows) == 0 {
		return nil
	}
	const q = `
		INSERT IGNORE INTO deliveries
		    (id, campaign_id, recipient_id, recipient_email, status, attempts, created_at, updated_at)
		VALUES
		    (:id, :campaign_id, :recipient_id, :recipient_email, 'queued', 0, NOW(), NOW())
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, rows)
		return err
	})
}

func (r *DeliveriesRepositoryImpl) ClaimForSending(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET status = 'sending', attempts = attempts + 1, updated_at = NOW()
		 WHERE id = ? AND status = 'queued'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *DeliveriesRepositoryImpl) FinalizeBatch(ctx context.Context, tx *sqlx.Tx, ids []string, status model.DeliveryStatus, lastError *string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE deliveries
		   SET status = ?, last_error = ?, updated_at = NOW()
		 WHERE id IN (?) AND status = 'sending'
	`, status.String(), lastError, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (r *DeliveriesRepositoryImpl) RecordEngagement(ctx context.Context, id string, to model.DeliveryStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET status = ?, updated_at = NOW()
		 WHERE id = ? AND status IN ('sent', 'delivered', 'opened', 'clicked')
	`, to.String(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *DeliveriesRepositoryImpl) CountPending(ctx context.Context, campaignID int64, maxRetries int) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*)
		  FROM deliveries
		 WHERE campaign_id = ?
		   AND (status = 'queued' OR (status = 'failed' AND attempts < ?))
	`, campaignID, maxRetries)
	return n, err
}

func (r *DeliveriesRepositoryImpl) ListQueued(ctx context.Context, tx *sqlx.Tx, campaignID int64) ([]model.Delivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE campaign_id = ? AND status = 'queued'`
	if tx != nil {
		q += ` FOR UPDATE`
		var rows []model.Delivery
		err := tx.SelectContext(ctx, &rows, q, campaignID)
		return rows, err
	}
	var rows []model.Delivery
	err := r.db.SelectContext(ctx, &rows, q, campaignID)
	return rows, err
}

func (r *DeliveriesRepositoryImpl) CancelPending(ctx context.Context, tx *sqlx.Tx, campaignID int64, marker string) (int64, error) {
	var n int64
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE deliveries
			   SET status = 'failed', last_error = ?, updated_at = NOW()
			 WHERE campaign_id = ? AND status IN ('queued', 'failed')
		`, marker, campaignID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *DeliveriesRepositoryImpl) ResetForRetry(ctx context.Context, tx *sqlx.Tx, campaignID int64, maxRetries int) ([]model.Delivery, error) {
	var rows []model.Delivery
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &rows, `
			SELECT `+deliveryColumns+`
			  FROM deliveries
			 WHERE campaign_id = ? AND status = 'failed' AND attempts < ?
			 FOR UPDATE
		`, campaignID, maxRetries); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, 0, len(rows))
		for _, d := range rows {
			ids = append(ids, d.ID)
		}
		query, args, err := sqlx.In(`
			UPDATE deliveries
			   SET status = 'queued', last_error = NULL, updated_at = NOW()
			 WHERE id IN (?)
		`, ids)
		if err != nil {
			return err
		}
		query = r.db.Rebind(query)
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DeliveriesRepositoryImpl) MarkDeadLettered(ctx context.Context, campaignID int64, maxAttempts int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET last_error = ?, updated_at = NOW()
		 WHERE campaign_id = ? AND status = 'failed' AND attempts >= ?
		   AND (last_error IS NULL OR last_error <> ?)
	`, model.DeadLetterMarker, campaignID, maxAttempts, model.DeadLetterMarker)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *DeliveriesRepositoryImpl) StatusCounts(ctx context.Context, campaignID int64) (map[model.DeliveryStatus]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT status, COUNT(*)
		  FROM deliveries
		 WHERE campaign_id = ?
		 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.DeliveryStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *DeliveriesRepositoryImpl) DeadLetterCount(ctx context.Context, campaignID int64, maxAttempts int) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*)
		  FROM deliveries
		 WHERE campaign_id = ? AND status = 'failed' AND attempts >= ?
	`, campaignID, maxAttempts)
	return n, err
}
