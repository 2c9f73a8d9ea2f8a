package transactions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/settlement"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTx(id, booking, key string) *Transaction {
	return &Transaction{
		ID:             id,
		BookingID:      booking,
		Gateway:        payments.MethodTelebirr,
		ExternalRef:    "BP" + id,
		Amount:         10_000,
		Currency:       "ETB",
		State:          StateInitiated,
		IdempotencyKey: key,
		CreatedAt:      t0,
		ExpiresAt:      t0.Add(30 * time.Minute),
	}
}

func confirmChange(t *testing.T, tx *Transaction) Change {
	t.Helper()
	b, err := settlement.Compute(tx.Amount)
	require.NoError(t, err)
	evt, err := events.New(events.PaymentConfirmed, tx.ID, events.ConfirmedPayload{
		BookingID: tx.BookingID, TransactionID: tx.ID, NetPayout: b.NetPayout,
	}, t0)
	require.NoError(t, err)
	return Change{
		From:       []State{StatePendingConfirmation},
		To:         StateConfirmed,
		At:         t0.Add(time.Minute),
		Settlement: &Settlement{TransactionID: tx.ID, BookingID: tx.BookingID, Currency: tx.Currency, Breakdown: b, ComputedAt: t0},
		Event:      &evt,
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateInitiated, StatePendingConfirmation},
		{StateInitiated, StateFailed},
		{StateInitiated, StateExpired},
		{StatePendingConfirmation, StateConfirmed},
		{StatePendingConfirmation, StateFailed},
		{StatePendingConfirmation, StateExpired},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	for _, from := range []State{StateConfirmed, StateFailed, StateExpired} {
		for _, to := range []State{StateInitiated, StatePendingConfirmation, StateConfirmed, StateFailed, StateExpired} {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(StateInitiated, StateConfirmed), "confirmation needs a presented checkout")
	assert.False(t, CanTransition(StatePendingConfirmation, StateInitiated))
}

func TestClientStatus(t *testing.T) {
	assert.Equal(t, "processing", StateInitiated.ClientStatus())
	assert.Equal(t, "processing", StatePendingConfirmation.ClientStatus())
	assert.Equal(t, "succeeded", StateConfirmed.ClientStatus())
	assert.Equal(t, "failed", StateFailed.ClientStatus())
	assert.Equal(t, "expired", StateExpired.ClientStatus())
}

func TestMemoryStore_CreateIsIdempotentPerBookingAndKey(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	first, created, err := s.Create(ctx, newTx("1", "b-1", "key-1"))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.Create(ctx, newTx("2", "b-1", "key-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = s.Create(ctx, newTx("3", "b-2", "key-1"))
	require.NoError(t, err)
	assert.True(t, created, "same key on another booking is a different attempt")

	dup := newTx("4", "b-3", "key-9")
	dup.ExternalRef = "BP1"
	_, _, err = s.Create(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateExternalRef)
}

func TestMemoryStore_ApplyIsCompareAndSet(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	tx, _, err := s.Create(ctx, newTx("1", "b-1", "k"))
	require.NoError(t, err)

	_, ok, err := s.Apply(ctx, tx.ID, Change{From: []State{StateInitiated}, To: StatePendingConfirmation, At: t0})
	require.NoError(t, err)
	require.True(t, ok)

	got, ok, err := s.Apply(ctx, tx.ID, confirmChange(t, tx))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateConfirmed, got.State)
	require.NotNil(t, got.ConfirmedAt)

	// a late decline loses and sees the confirmed row
	got, ok, err = s.Apply(ctx, tx.ID, Change{From: NonTerminal, To: StateFailed, At: t0, Reason: "declined"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateConfirmed, got.State)
	assert.Nil(t, got.FailureReason)
}

func TestMemoryStore_FailedEventSaveLeavesRowUnchanged(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	tx, _, err := s.Create(ctx, newTx("1", "b-1", "k"))
	require.NoError(t, err)
	_, _, err = s.Apply(ctx, tx.ID, Change{From: []State{StateInitiated}, To: StatePendingConfirmation, At: t0})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, ok, err := s.Apply(cancelled, tx.ID, confirmChange(t, tx))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)

	got, err := s.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePendingConfirmation, got.State)
	assert.Nil(t, got.ConfirmedAt)
	_, err = s.GetSettlement(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Outbox().Count(tx.ID, events.PaymentConfirmed))

	// the retry goes through with everything in place
	_, ok, err = s.Apply(ctx, tx.ID, confirmChange(t, tx))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Outbox().Count(tx.ID, events.PaymentConfirmed))
}

func TestMemoryStore_ApplyRejectsUnknownEdges(t *testing.T) {
	s := NewMemoryStore(nil)
	_, ok, err := s.Apply(context.Background(), "x", Change{From: []State{StateConfirmed}, To: StateFailed})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, ok)

	_, _, err = s.Apply(context.Background(), "x", Change{From: []State{StatePendingConfirmation}, To: StateConfirmed})
	assert.Error(t, err, "confirmation without a settlement")

	_, _, err = s.Apply(context.Background(), "missing", Change{From: NonTerminal, To: StateExpired})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConcurrentConfirmationsApplyOnce(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	tx, _, err := s.Create(ctx, newTx("1", "b-1", "k"))
	require.NoError(t, err)
	_, _, err = s.Apply(ctx, tx.ID, Change{From: []State{StateInitiated}, To: StatePendingConfirmation, At: t0})
	require.NoError(t, err)

	change := confirmChange(t, tx)
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Apply(ctx, tx.ID, change)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, s.Outbox().Count(tx.ID, events.PaymentConfirmed))

	st, err := s.GetSettlement(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8444), st.NetPayout)
}

func TestMemoryStore_ListOverdueAndPending(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx := newTx(fmt.Sprint(i), "b", fmt.Sprint("k", i))
		tx.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		tx.ExpiresAt = tx.CreatedAt.Add(30 * time.Minute)
		_, _, err := s.Create(ctx, tx)
		require.NoError(t, err)
	}
	_, _, err := s.Apply(ctx, "0", Change{From: []State{StateInitiated}, To: StatePendingConfirmation, At: t0})
	require.NoError(t, err)
	_, _, err = s.Apply(ctx, "1", Change{From: []State{StateInitiated}, To: StateFailed, At: t0, Reason: "declined"})
	require.NoError(t, err)

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0", pending[0].ID)

	overdue, err := s.ListOverdue(ctx, t0.Add(31*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1, "failed rows never expire, tx 2 is not due yet")
	assert.Equal(t, "0", overdue[0].ID)

	overdue, err = s.ListOverdue(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, overdue, 2)
}

func TestMemoryStore_ListPendingLeastRecentlyPolledFirst(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx := newTx(fmt.Sprint(i), "b", fmt.Sprint("k", i))
		tx.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		tx.State = StatePendingConfirmation
		_, _, err := s.Create(ctx, tx)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkPolled(ctx, "0", t0.Add(10*time.Minute)))
	require.NoError(t, s.MarkPolled(ctx, "1", t0.Add(5*time.Minute)))

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"2", "1", "0"}, []string{pending[0].ID, pending[1].ID, pending[2].ID})

	assert.ErrorIs(t, s.MarkPolled(ctx, "missing", t0), ErrNotFound)
}

func TestMemoryStore_SettlementReporting(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	for i, gross := range []int64{10_000, 1_250} {
		tx := newTx(fmt.Sprint(i), "b", fmt.Sprint("k", i))
		tx.Amount = gross
		_, _, err := s.Create(ctx, tx)
		require.NoError(t, err)
		_, _, err = s.Apply(ctx, tx.ID, Change{From: []State{StateInitiated}, To: StatePendingConfirmation, At: t0})
		require.NoError(t, err)
		c := confirmChange(t, tx)
		c.Settlement.ComputedAt = t0.Add(time.Duration(i) * time.Hour)
		_, _, err = s.Apply(ctx, tx.ID, c)
		require.NoError(t, err)
	}

	page, total, err := s.ListSettlements(ctx, SettlementFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "1", page[0].TransactionID, "newest first")

	since := t0.Add(30 * time.Minute)
	sum, err := s.SummarizeSettlements(ctx, &since)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, int64(1_250), sum.GrossAmount)

	sum, err = s.SummarizeSettlements(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(11_250), sum.GrossAmount)
	assert.Equal(t, sum.GrossAmount, sum.PlatformFee+sum.VATOnFee+sum.WithholdingTax+sum.NetPayout)
}
