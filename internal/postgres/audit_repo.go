package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditRepo struct{ DB *pgxpool.Pool }

// RecordBatch stores one batch outcome plus its failed rows. Idempotent on batch_id.
func (r *AuditRepo) RecordBatch(ctx context.Context, p rental.BookingBatchCompletedPayload, occurredAt time.Time) (inserted bool, err error) {
	ids, err := json.Marshal(p.CreatedBookingIDs)
	if err != nil {
		return false, err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO booking_batches(batch_id, cart_key, mode, context_id, client_id,
		                            created_count, failed_count, created_booking_ids, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (batch_id) DO NOTHING
	`, p.BatchID, p.CartKey, string(p.Mode), p.ContextID, p.ClientID,
		p.CreatedCount, p.FailedCount, ids, occurredAt)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, nil // seen before
	}

	for _, f := range p.FailedItems {
		if _, err := tx.Exec(ctx, `
			INSERT INTO booking_batch_failures(batch_id, equipment_id, reason, detail)
			VALUES ($1,$2,$3,$4)`,
			p.BatchID, f.EquipmentID.String(), string(f.Reason), f.Detail,
		); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

type BatchSummary struct {
	BatchID      string    `json:"batch_id"`
	CartKey      string    `json:"cart_key"`
	CreatedCount int       `json:"created_count"`
	FailedCount  int       `json:"failed_count"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// RecentBatches lists the latest batches for a cart key.
func (r *AuditRepo) RecentBatches(ctx context.Context, cartKey string, limit int) ([]BatchSummary, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT batch_id, cart_key, created_count, failed_count, occurred_at
		FROM booking_batches WHERE cart_key=$1
		ORDER BY occurred_at DESC LIMIT $2`, cartKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchSummary
	for rows.Next() {
		var b BatchSummary
		if err := rows.Scan(&b.BatchID, &b.CartKey, &b.CreatedCount, &b.FailedCount, &b.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
