package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	published []Event
	fail      bool
}

func (f *fakePublisher) Publish(_ context.Context, evt Event) error {
	if f.fail {
		return errors.New("booking service down")
	}
	f.published = append(f.published, evt)
	return nil
}

func newEvent(t *testing.T, typ Type, txID string, at time.Time) Event {
	t.Helper()
	evt, err := New(typ, txID, FailedPayload{BookingID: "b-1", TransactionID: txID, Reason: "declined"}, at)
	require.NoError(t, err)
	return evt
}

func TestDispatcher_PublishesAndMarks(t *testing.T) {
	outbox := NewMemoryOutbox()
	pub := &fakePublisher{}
	d := &Dispatcher{Outbox: outbox, Publisher: pub, Logger: zap.NewNop().Sugar()}

	now := time.Now()
	_, err := outbox.Save(context.Background(), newEvent(t, PaymentFailed, "tx-2", now.Add(time.Second)))
	require.NoError(t, err)
	_, err = outbox.Save(context.Background(), newEvent(t, PaymentFailed, "tx-1", now))
	require.NoError(t, err)

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.published, 2)
	assert.Equal(t, "tx-1", pub.published[0].TransactionID, "oldest first")

	left, err := outbox.FindUnpublished(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.Empty(t, left)

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_FailureIsRetriedUntilMaxAttempts(t *testing.T) {
	outbox := NewMemoryOutbox()
	pub := &fakePublisher{fail: true}
	d := &Dispatcher{Outbox: outbox, Publisher: pub, MaxAttempts: 2}

	_, err := outbox.Save(context.Background(), newEvent(t, PaymentExpired, "tx-1", time.Now()))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		n, err := d.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	evt, err := outbox.Get(context.Background(), "tx-1", PaymentExpired)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, 2, evt.Attempts, "no attempts beyond the cap")
	require.NotNil(t, evt.LastError)
	assert.Contains(t, *evt.LastError, "booking service down")
	assert.Nil(t, evt.PublishedAt)
}

func TestMemoryOutbox_OneEventPerTypeAndTransaction(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()

	ok, err := outbox.Save(ctx, newEvent(t, PaymentConfirmed, "tx-1", time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = outbox.Save(ctx, newEvent(t, PaymentConfirmed, "tx-1", time.Now()))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = outbox.Save(ctx, newEvent(t, PaymentFailed, "tx-1", time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, outbox.Count("tx-1", PaymentConfirmed))
}

func TestBus_FansOutAndStopsOnError(t *testing.T) {
	bus := NewBus()
	var calls []string
	bus.SubscribeAll(func(_ context.Context, e Event) error {
		calls = append(calls, "all:"+string(e.Type))
		return nil
	})
	bus.Subscribe(PaymentFailed, func(context.Context, Event) error {
		calls = append(calls, "failed")
		return errors.New("boom")
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: PaymentConfirmed}))
	assert.Error(t, bus.Publish(context.Background(), Event{Type: PaymentFailed}))
	assert.Equal(t, []string{"all:payment.confirmed", "all:payment.failed", "failed"}, calls)
}
