package storage

import (
	"context"
	"fmt"
	"time"

	"bookpay/internal/domain/transactions"
	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/settlement"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Container struct {
	pool         *pgxpool.Pool // IMPORTANT: set the pool so WithLedgerTx works
	Transactions *transactions.Repository
	PayLogs      *transactions.LogsRepository
	Outbox       *events.OutboxRepository
}

func NewContainer(db *pgxpool.Pool) *Container {
	return &Container{
		pool:         db,
		Transactions: transactions.NewRepository(db),
		PayLogs:      transactions.NewLogsRepository(db),
		Outbox:       events.NewOutboxRepository(db),
	}
}

// LedgerTx is a temporary, tx-scoped set of repos for atomic units of work.
type LedgerTx struct {
	Transactions *transactions.Repository
	PayLogs      *transactions.LogsRepository
	Outbox       *events.OutboxRepository
}

// WithLedgerTx runs a ledger unit-of-work atomically.
func (c *Container) WithLedgerTx(ctx context.Context, fn func(s *LedgerTx) error) error {
	if c.pool == nil {
		return fmt.Errorf("storage container pool is nil (did you forget to set pool in NewContainer?)")
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback(ctx) // safe even if already committed
	}()

	s := &LedgerTx{
		Transactions: transactions.NewRepository(tx),
		PayLogs:      transactions.NewLogsRepository(tx),
		Outbox:       events.NewOutboxRepository(tx),
	}

	if err := fn(s); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Ledger is the Postgres transactions.Store.
func (c *Container) Ledger() transactions.Store { return &ledger{c: c} }

type ledger struct{ c *Container }

func (l *ledger) Create(ctx context.Context, t *transactions.Transaction) (*transactions.Transaction, bool, error) {
	row, created, err := l.c.Transactions.Insert(ctx, t)
	if err != nil || created {
		return row, created, err
	}
	// lost the (booking_id, idempotency_key) race: hand back the winner
	existing, err := l.c.Transactions.GetByIdempotencyKey(ctx, t.BookingID, t.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (l *ledger) Get(ctx context.Context, id string) (*transactions.Transaction, error) {
	return l.c.Transactions.GetByID(ctx, id)
}

func (l *ledger) GetByIdempotencyKey(ctx context.Context, bookingID, key string) (*transactions.Transaction, error) {
	return l.c.Transactions.GetByIdempotencyKey(ctx, bookingID, key)
}

func (l *ledger) GetByExternalRef(ctx context.Context, gateway payments.Method, ref string) (*transactions.Transaction, error) {
	return l.c.Transactions.GetByExternalRef(ctx, gateway, ref)
}

// Apply runs the compare-and-set, the settlement insert and the outbox insert
// in one database transaction.
func (l *ledger) Apply(ctx context.Context, id string, ch transactions.Change) (*transactions.Transaction, bool, error) {
	if err := ch.Validate(); err != nil {
		return nil, false, err
	}

	var applied bool
	err := l.c.WithLedgerTx(ctx, func(s *LedgerTx) error {
		ok, err := s.Transactions.CompareAndSet(ctx, id, ch.From, ch.To, ch.At, ch.Reason)
		if err != nil || !ok {
			return err
		}
		applied = true

		if ch.Settlement != nil {
			if err := s.Transactions.InsertSettlement(ctx, ch.Settlement); err != nil {
				return err
			}
		}
		if ch.Event != nil {
			if _, err := s.Outbox.Save(ctx, *ch.Event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	row, err := l.c.Transactions.GetByID(ctx, id)
	if err != nil {
		return nil, applied, err
	}
	return row, applied, nil
}

func (l *ledger) ListPending(ctx context.Context, limit int) ([]*transactions.Transaction, error) {
	return l.c.Transactions.ListPending(ctx, limit)
}

func (l *ledger) MarkPolled(ctx context.Context, id string, at time.Time) error {
	return l.c.Transactions.MarkPolled(ctx, id, at)
}

func (l *ledger) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*transactions.Transaction, error) {
	return l.c.Transactions.ListOverdue(ctx, now, limit)
}

func (l *ledger) GetSettlement(ctx context.Context, transactionID string) (*transactions.Settlement, error) {
	return l.c.Transactions.GetSettlement(ctx, transactionID)
}

func (l *ledger) ListSettlements(ctx context.Context, f transactions.SettlementFilter) ([]*transactions.Settlement, int, error) {
	return l.c.Transactions.ListSettlements(ctx, f)
}

func (l *ledger) SummarizeSettlements(ctx context.Context, since *time.Time) (settlement.Summary, error) {
	return l.c.Transactions.SummarizeSettlements(ctx, since)
}

func (l *ledger) AppendLog(ctx context.Context, transactionID string, kind transactions.LogType, payload any) error {
	return l.c.PayLogs.InsertPaymentLog(ctx, transactionID, kind, payload)
}

func (l *ledger) Logs(ctx context.Context, transactionID string) ([]transactions.PaymentLog, error) {
	return l.c.PayLogs.ListByTransaction(ctx, transactionID)
}
