package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates the ledger schema. Every statement is idempotent, so it is
// safe to run on each deploy.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payment_transactions (
			id               uuid PRIMARY KEY,
			booking_id       text        NOT NULL,
			gateway          text        NOT NULL,
			external_ref     text        NOT NULL,
			amount           bigint      NOT NULL CHECK (amount > 0),
			currency         char(3)     NOT NULL,
			state            text        NOT NULL CHECK (state IN ('initiated', 'pending_confirmation', 'confirmed', 'failed', 'expired')),
			checkout_url     text        NOT NULL DEFAULT '',
			checkout_method  text        NOT NULL DEFAULT '',
			checkout_data    jsonb,
			idempotency_key  text        NOT NULL,
			failure_reason   text,
			created_at       timestamptz NOT NULL DEFAULT now(),
			updated_at       timestamptz NOT NULL DEFAULT now(),
			expires_at       timestamptz NOT NULL,
			confirmed_at     timestamptz,
			last_polled_at   timestamptz,
			UNIQUE (booking_id, idempotency_key),
			UNIQUE (gateway, external_ref)
		)`,

		`CREATE INDEX IF NOT EXISTS payment_transactions_open_idx
			ON payment_transactions (state, created_at)
			WHERE state IN ('initiated', 'pending_confirmation')`,

		`ALTER TABLE payment_transactions ADD COLUMN IF NOT EXISTS last_polled_at timestamptz`,

		`CREATE INDEX IF NOT EXISTS payment_transactions_poll_idx
			ON payment_transactions (last_polled_at NULLS FIRST, created_at)
			WHERE state = 'pending_confirmation'`,

		`CREATE TABLE IF NOT EXISTS payment_settlements (
			transaction_id   uuid PRIMARY KEY REFERENCES payment_transactions (id),
			booking_id       text        NOT NULL,
			gateway          text        NOT NULL,
			currency         char(3)     NOT NULL,
			gross_amount     bigint      NOT NULL,
			platform_fee     bigint      NOT NULL,
			vat_on_fee       bigint      NOT NULL,
			withholding_tax  bigint      NOT NULL,
			net_payout       bigint      NOT NULL,
			platform_fee_bps bigint      NOT NULL,
			vat_on_fee_bps   bigint      NOT NULL,
			withholding_bps  bigint      NOT NULL,
			computed_at      timestamptz NOT NULL,
			CHECK (platform_fee + vat_on_fee + withholding_tax + net_payout = gross_amount)
		)`,

		`CREATE INDEX IF NOT EXISTS payment_settlements_computed_at_idx
			ON payment_settlements (computed_at DESC)`,

		`CREATE TABLE IF NOT EXISTS payment_logs (
			id             bigserial PRIMARY KEY,
			transaction_id uuid        NOT NULL,
			log_type       text        NOT NULL,
			payload        jsonb,
			created_at     timestamptz NOT NULL DEFAULT now()
		)`,

		`CREATE INDEX IF NOT EXISTS payment_logs_transaction_idx ON payment_logs (transaction_id, id)`,

		`CREATE TABLE IF NOT EXISTS payment_events (
			id             uuid PRIMARY KEY,
			type           text        NOT NULL,
			transaction_id uuid        NOT NULL REFERENCES payment_transactions (id),
			payload        jsonb       NOT NULL,
			created_at     timestamptz NOT NULL,
			published_at   timestamptz,
			attempts       int         NOT NULL DEFAULT 0,
			last_error     text,
			UNIQUE (transaction_id, type)
		)`,

		`CREATE INDEX IF NOT EXISTS payment_events_unpublished_idx
			ON payment_events (created_at) WHERE published_at IS NULL`,
	}

	for i, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
