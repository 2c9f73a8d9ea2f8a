package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpay/internal/db"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/settlement"
)

// These run against a real Postgres when TEST_DATABASE_URL is set.
func testContainer(t *testing.T) *Container {
	t.Helper()
	addr := os.Getenv("TEST_DATABASE_URL")
	if addr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := db.New(db.Config{Addr: addr, MaxConns: 8, AppName: "bookpay-test"})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(context.Background(), pool))
	return NewContainer(pool)
}

func newRow() *transactions.Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	return &transactions.Transaction{
		ID:             id,
		BookingID:      "booking-" + id[:8],
		Gateway:        payments.MethodChapa,
		ExternalRef:    "BP" + id[:12],
		Amount:         10_000,
		Currency:       "ETB",
		State:          transactions.StateInitiated,
		CheckoutURL:    "https://checkout.example/" + id,
		CheckoutMethod: "GET",
		CheckoutData:   map[string]string{"prepay_id": "p-1"},
		IdempotencyKey: "key-" + id,
		CreatedAt:      now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}
}

func TestLedger_CreateReturnsWinnerOnDuplicateKey(t *testing.T) {
	ledger := testContainer(t).Ledger()
	ctx := context.Background()

	row := newRow()
	first, created, err := ledger.Create(ctx, row)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "p-1", first.CheckoutData["prepay_id"])

	second := newRow()
	second.BookingID, second.IdempotencyKey = row.BookingID, row.IdempotencyKey
	got, created, err := ledger.Create(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)

	third := newRow()
	third.ExternalRef = row.ExternalRef
	_, _, err = ledger.Create(ctx, third)
	assert.ErrorIs(t, err, transactions.ErrDuplicateExternalRef)
}

func TestLedger_ConcurrentConfirmWritesOneSettlementAndEvent(t *testing.T) {
	c := testContainer(t)
	ledger := c.Ledger()
	ctx := context.Background()

	row, _, err := ledger.Create(ctx, newRow())
	require.NoError(t, err)
	_, ok, err := ledger.Apply(ctx, row.ID, transactions.Change{
		From: []transactions.State{transactions.StateInitiated},
		To:   transactions.StatePendingConfirmation,
		At:   time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	b, err := settlement.Compute(row.Amount)
	require.NoError(t, err)
	evt, err := events.New(events.PaymentConfirmed, row.ID, events.ConfirmedPayload{BookingID: row.BookingID, TransactionID: row.ID, NetPayout: b.NetPayout}, time.Now())
	require.NoError(t, err)
	change := transactions.Change{
		From:       []transactions.State{transactions.StatePendingConfirmation},
		To:         transactions.StateConfirmed,
		At:         time.Now(),
		Settlement: &transactions.Settlement{TransactionID: row.ID, BookingID: row.BookingID, Gateway: row.Gateway, Currency: row.Currency, Breakdown: b, ComputedAt: time.Now()},
		Event:      &evt,
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := change
			e := evt
			e.ID = uuid.NewString()
			ch.Event = &e
			_, ok, err := ledger.Apply(ctx, row.ID, ch)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := ledger.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StateConfirmed, got.State)
	assert.NotNil(t, got.ConfirmedAt)

	s, err := ledger.GetSettlement(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8444), s.NetPayout)

	stored, err := c.Outbox.Get(ctx, row.ID, events.PaymentConfirmed)
	require.NoError(t, err)
	require.NotNil(t, stored)

	require.NoError(t, ledger.AppendLog(ctx, row.ID, transactions.LogVerify, map[string]string{"status": "success"}))
	logs, err := ledger.Logs(ctx, row.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
