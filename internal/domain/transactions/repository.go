package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookpay/internal/infra/dbx"
	"bookpay/internal/payments"
	"bookpay/internal/settlement"

	"github.com/jackc/pgx/v5"
)

// Repository is the row-level access to payment_transactions and
// payment_settlements. It does not open transactions itself; see
// storage.Container.WithLedgerTx for the unit of work.
type Repository struct{ q dbx.Querier }

func NewRepository(q dbx.Querier) *Repository { return &Repository{q: q} }

const txColumns = `id, booking_id, gateway, external_ref, amount, currency, state,
		       checkout_url, checkout_method, checkout_data, idempotency_key, failure_reason,
		       created_at, updated_at, expires_at, confirmed_at, last_polled_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t              Transaction
		gateway, state string
	)
	err := row.Scan(
		&t.ID, &t.BookingID, &gateway, &t.ExternalRef, &t.Amount, &t.Currency, &state,
		&t.CheckoutURL, &t.CheckoutMethod, &t.CheckoutData, &t.IdempotencyKey, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt, &t.ConfirmedAt, &t.LastPolledAt,
	)
	if err != nil {
		return nil, err
	}
	t.Gateway = payments.Method(gateway)
	t.State = State(state)
	return &t, nil
}

// Insert returns created=false and no row when (booking_id,
// idempotency_key) is already taken.
func (r *Repository) Insert(ctx context.Context, t *Transaction) (*Transaction, bool, error) {
	out, err := scanTransaction(r.q.QueryRow(ctx, `
		INSERT INTO payment_transactions (
			id, booking_id, gateway, external_ref, amount, currency, state,
			checkout_url, checkout_method, checkout_data, idempotency_key,
			created_at, updated_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, $13)
		ON CONFLICT (booking_id, idempotency_key) DO NOTHING
		RETURNING `+txColumns,
		t.ID, t.BookingID, string(t.Gateway), t.ExternalRef, t.Amount, t.Currency, string(t.State),
		t.CheckoutURL, t.CheckoutMethod, t.CheckoutData, t.IdempotencyKey,
		t.CreatedAt, t.ExpiresAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		if dbx.IsUniqueViolation(err, "payment_transactions_gateway_external_ref_key") {
			return nil, false, ErrDuplicateExternalRef
		}
		return nil, false, fmt.Errorf("insert payment_transaction: %w", err)
	}
	return out, true, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Transaction, error) {
	return r.getOne(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id=$1`, id)
}

func (r *Repository) GetByIdempotencyKey(ctx context.Context, bookingID, key string) (*Transaction, error) {
	return r.getOne(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE booking_id=$1 AND idempotency_key=$2
	`, bookingID, key)
}

func (r *Repository) GetByExternalRef(ctx context.Context, gateway payments.Method, ref string) (*Transaction, error) {
	return r.getOne(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE gateway=$1 AND external_ref=$2
	`, string(gateway), ref)
}

func (r *Repository) getOne(ctx context.Context, sql string, args ...any) (*Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment_transaction: %w", err)
	}
	return t, nil
}

// CompareAndSet is the only statement that changes state. Zero rows
// affected means another writer got there first.
func (r *Repository) CompareAndSet(ctx context.Context, id string, from []State, to State, at time.Time, reason string) (bool, error) {
	fromStates := make([]string, len(from))
	for i, s := range from {
		fromStates[i] = string(s)
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE payment_transactions
		   SET state=$2,
		       updated_at=$3,
		       confirmed_at=CASE WHEN $2='confirmed' THEN $3 ELSE confirmed_at END,
		       failure_reason=COALESCE(NULLIF($4, ''), failure_reason)
		 WHERE id=$1 AND state = ANY($5::text[])
	`, id, string(to), at, reason, fromStates)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) listWhere(ctx context.Context, where string, args ...any) ([]*Transaction, error) {
	rows, err := r.q.Query(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list payment_transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment_transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) ListPending(ctx context.Context, limit int) ([]*Transaction, error) {
	return r.listWhere(ctx, `
		state='pending_confirmation'
		ORDER BY last_polled_at ASC NULLS FIRST, created_at ASC
		LIMIT $1
	`, limit)
}

func (r *Repository) MarkPolled(ctx context.Context, id string, at time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE payment_transactions SET last_polled_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("mark polled %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return r.listWhere(ctx, `
		state IN ('initiated', 'pending_confirmation') AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
}

// InsertSettlement is a no-op when the breakdown already exists.
func (r *Repository) InsertSettlement(ctx context.Context, s *Settlement) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO payment_settlements (
			transaction_id, booking_id, gateway, currency,
			gross_amount, platform_fee, vat_on_fee, withholding_tax, net_payout,
			platform_fee_bps, vat_on_fee_bps, withholding_bps, computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (transaction_id) DO NOTHING
	`,
		s.TransactionID, s.BookingID, string(s.Gateway), s.Currency,
		s.GrossAmount, s.PlatformFee, s.VATOnFee, s.WithholdingTax, s.NetPayout,
		s.Rates.PlatformFeeBps, s.Rates.VATOnFeeBps, s.Rates.WithholdingBps, s.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment_settlement: %w", err)
	}
	return nil
}

const settlementColumns = `transaction_id, booking_id, gateway, currency,
		       gross_amount, platform_fee, vat_on_fee, withholding_tax, net_payout,
		       platform_fee_bps, vat_on_fee_bps, withholding_bps, computed_at`

func settlementDest(s *Settlement, dest ...any) []any {
	return append([]any{
		&s.TransactionID, &s.BookingID, &s.Gateway, &s.Currency,
		&s.GrossAmount, &s.PlatformFee, &s.VATOnFee, &s.WithholdingTax, &s.NetPayout,
		&s.Rates.PlatformFeeBps, &s.Rates.VATOnFeeBps, &s.Rates.WithholdingBps, &s.ComputedAt,
	}, dest...)
}

func (r *Repository) GetSettlement(ctx context.Context, transactionID string) (*Settlement, error) {
	var s Settlement
	err := r.q.QueryRow(ctx, `
		SELECT `+settlementColumns+` FROM payment_settlements WHERE transaction_id=$1
	`, transactionID).Scan(settlementDest(&s)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment_settlement: %w", err)
	}
	return &s, nil
}

// ListSettlements pages through breakdowns, newest first, and returns the
// total count for pagination.
func (r *Repository) ListSettlements(ctx context.Context, f SettlementFilter) ([]*Settlement, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	rows, err := r.q.Query(ctx, `
SELECT `+settlementColumns+`,
  COUNT(*) OVER() AS total_count
FROM payment_settlements
WHERE ($1::timestamptz IS NULL OR computed_at >= $1::timestamptz)
ORDER BY computed_at DESC, transaction_id DESC
LIMIT $2 OFFSET $3
`, f.Since, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list payment_settlements: %w", err)
	}
	defer rows.Close()

	var (
		out   []*Settlement
		total int
	)
	for rows.Next() {
		var (
			s Settlement
			t int
		)
		if err := rows.Scan(settlementDest(&s, &t)...); err != nil {
			return nil, 0, fmt.Errorf("scan payment_settlement: %w", err)
		}
		if total == 0 {
			total = t
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}
	return out, total, nil
}

// SummarizeSettlements sums persisted figures so totals reconcile with the
// individual receipts.
func (r *Repository) SummarizeSettlements(ctx context.Context, since *time.Time) (settlement.Summary, error) {
	var s settlement.Summary
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(gross_amount), 0)::bigint,
		       COALESCE(SUM(platform_fee), 0)::bigint,
		       COALESCE(SUM(vat_on_fee), 0)::bigint,
		       COALESCE(SUM(withholding_tax), 0)::bigint,
		       COALESCE(SUM(net_payout), 0)::bigint
		FROM payment_settlements
		WHERE ($1::timestamptz IS NULL OR computed_at >= $1::timestamptz)
	`, since).Scan(&s.Count, &s.GrossAmount, &s.PlatformFee, &s.VATOnFee, &s.WithholdingTax, &s.NetPayout)
	if err != nil {
		return settlement.Summary{}, fmt.Errorf("summarize payment_settlements: %w", err)
	}
	return s, nil
}
