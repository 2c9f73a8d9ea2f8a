package booking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpay/internal/events"
)

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/bookings/b-1":
			_, _ = w.Write([]byte(`{"data":{"id":"b-1","amount":10000,"currency":"etb","status":"pending"}}`))
		case "/v1/bookings/b-2":
			_, _ = w.Write([]byte(`{"id":"b-2","amount":500,"currency":"USD","status":"confirmed"}`))
		case "/v1/bookings/b-5":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "svc-key"}, srv.Client())
	ctx := context.Background()

	b, err := c.Lookup(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), b.Amount)
	assert.Equal(t, "ETB", b.Currency)
	assert.True(t, b.Payable())

	b, err = c.Lookup(ctx, "b-2")
	require.NoError(t, err)
	assert.Equal(t, "b-2", b.ID)
	assert.False(t, b.Payable())

	_, err = c.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Lookup(ctx, "b-5")
	assert.Error(t, err)
}

func TestNotifyPostsEvent(t *testing.T) {
	var got eventMessage
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/bookings/payment-events", r.URL.Path)
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	bus := events.NewBus()
	c.Subscribe(bus)

	evt, err := events.New(events.PaymentConfirmed, "tx-1", events.ConfirmedPayload{
		BookingID: "b-1", TransactionID: "tx-1", NetPayout: 8444,
	}, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Error(t, bus.Publish(context.Background(), evt), "5xx is retried by the dispatcher")

	fail = false
	require.NoError(t, bus.Publish(context.Background(), evt))
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, events.PaymentConfirmed, got.Type)

	var payload events.ConfirmedPayload
	require.NoError(t, json.Unmarshal(got.Data, &payload))
	assert.Equal(t, int64(8444), payload.NetPayout)
	assert.Equal(t, "b-1", payload.BookingID)
}
