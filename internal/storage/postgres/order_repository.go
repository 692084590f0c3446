package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/donation-hub/services/verify/internal/domain"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const orderColumns = `id, amount_cents, currency, status, COALESCE(verified_transaction_id, ''), COALESCE(failure_code, ''), created_at, updated_at`

func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (domain.DonationOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM donation_orders WHERE id = $1`, orderColumns)
	return r.scanOrder(r.queryRow(ctx, query, orderID))
}

func (r *OrderRepository) scanOrder(row pgx.Row) (domain.DonationOrder, error) {
	var o domain.DonationOrder
	var status string
	err := row.Scan(&o.ID, &o.AmountCents, &o.Currency, &status,
		&o.VerifiedTransactionID, &o.FailureCode, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.DonationOrder{}, domain.ErrOrderNotFound
		}
		return domain.DonationOrder{}, domain.Wrap(domain.KindInternal, "get order", err)
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// UpdateStatus moves an order from one status to another with a
// compare-and-set on the current status. Losing the race is an invariant
// breach: all transitions happen under the order's lease.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, now time.Time) error {
	const stmt = `
UPDATE donation_orders
SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2`

	tag, err := r.exec(ctx, stmt, orderID, from, to, now)
	if err != nil {
		return domain.Wrap(domain.KindInternal, "update order status", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindInternal,
			fmt.Sprintf("order %s not in status %s during %s transition", orderID, from, to))
	}
	return nil
}

// ConfirmOrder atomically moves a verifying order to paid and binds the
// verified transaction id. The unique index on verified_transaction_id makes
// binding the same transaction to a second order a conflict.
func (r *OrderRepository) ConfirmOrder(ctx context.Context, orderID, transactionID string, now time.Time) error {
	const stmt = `
UPDATE donation_orders
SET status = $3, verified_transaction_id = $2, updated_at = $4
WHERE id = $1 AND status = $5 AND verified_transaction_id IS NULL`

	tag, err := r.exec(ctx, stmt, orderID, transactionID, domain.OrderStatusPaid, now, domain.OrderStatusVerifying)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrTransactionConflict
		}
		return domain.Wrap(domain.KindInternal, "confirm order", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindInternal,
			fmt.Sprintf("order %s not verifying at confirm", orderID))
	}
	return nil
}

// FailOrder moves a verifying order to failed, recording the decline reason.
func (r *OrderRepository) FailOrder(ctx context.Context, orderID, reasonCode string, now time.Time) error {
	const stmt = `
UPDATE donation_orders
SET status = $3, failure_code = NULLIF($2, ''), updated_at = $4
WHERE id = $1 AND status = $5`

	tag, err := r.exec(ctx, stmt, orderID, reasonCode, domain.OrderStatusFailed, now, domain.OrderStatusVerifying)
	if err != nil {
		return domain.Wrap(domain.KindInternal, "fail order", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindInternal,
			fmt.Sprintf("order %s not verifying at fail", orderID))
	}
	return nil
}

// FindTransaction returns the recorded observation for a transaction id, or
// nil when the transaction has never been seen.
func (r *OrderRepository) FindTransaction(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error) {
	const query = `
SELECT id, order_id, COALESCE(gateway_reference, ''), reported_amount_cents, gateway_status, observed_at
FROM payment_transactions
WHERE id = $1`

	var tx domain.PaymentTransaction
	err := r.queryRow(ctx, query, transactionID).
		Scan(&tx.ID, &tx.OrderID, &tx.GatewayReference, &tx.ReportedAmountCents, &tx.GatewayStatus, &tx.ObservedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, domain.Wrap(domain.KindInternal, "find transaction", err)
	}
	return &tx, nil
}

// RecordTransaction upserts a gateway observation. An existing row bound to a
// different order is left untouched and reported as a conflict.
func (r *OrderRepository) RecordTransaction(ctx context.Context, tx domain.PaymentTransaction) error {
	const stmt = `
INSERT INTO payment_transactions (id, order_id, gateway_reference, reported_amount_cents, gateway_status, observed_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET gateway_reference = EXCLUDED.gateway_reference,
    reported_amount_cents = EXCLUDED.reported_amount_cents,
    gateway_status = EXCLUDED.gateway_status,
    observed_at = EXCLUDED.observed_at
WHERE payment_transactions.order_id = EXCLUDED.order_id`

	tag, err := r.exec(ctx, stmt, tx.ID, tx.OrderID, tx.GatewayReference, tx.ReportedAmountCents, tx.GatewayStatus, tx.ObservedAt)
	if err != nil {
		return domain.Wrap(domain.KindInternal, "record transaction", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionConflict
	}
	return nil
}

func (r *OrderRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *OrderRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
