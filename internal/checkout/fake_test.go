package checkout

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bookpay/internal/booking"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/payments"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeGateway scripts provider answers. Verify answers are consumed in order;
// the last one repeats.
type fakeGateway struct {
	method payments.Method

	mu             sync.Mutex
	initiateResult payments.Result
	initiateErr    error
	verifyResults  []payments.Result
	notification   payments.Notification
	notifyErr      error
	initiateCalls  int
	verifyCalls    int
}

func (f *fakeGateway) Method() payments.Method { return f.method }

func (f *fakeGateway) Supports(currency string) bool { return currency == "ETB" || currency == "USD" }

func (f *fakeGateway) Initiate(_ context.Context, req payments.InitiateRequest) (payments.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateCalls++
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	if f.initiateResult != nil {
		return f.initiateResult, nil
	}
	return payments.Success{
		ExternalRef:    req.OrderRef,
		ProviderStatus: "CREATED",
		Checkout:       &payments.Checkout{URL: "https://pay.example/" + req.OrderRef, Method: http.MethodGet},
	}, nil
}

func (f *fakeGateway) Verify(_ context.Context, _ payments.VerifyRequest) (payments.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if len(f.verifyResults) == 0 {
		return payments.Pending{ProviderStatus: "WAITING"}, nil
	}
	res := f.verifyResults[0]
	if len(f.verifyResults) > 1 {
		f.verifyResults = f.verifyResults[1:]
	}
	return res, nil
}

func (f *fakeGateway) ParseNotification(_ context.Context, header http.Header, _ []byte) (payments.Notification, error) {
	if header.Get("X-Test-Signature") != "ok" {
		return payments.Notification{}, payments.ErrInvalidSignature
	}
	if f.notifyErr != nil {
		return payments.Notification{}, f.notifyErr
	}
	return f.notification, nil
}

func (f *fakeGateway) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls, f.verifyCalls
}

type fakeBookings map[string]booking.Booking

func (f fakeBookings) Lookup(_ context.Context, id string) (*booking.Booking, error) {
	b, ok := f[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &b, nil
}

type fixture struct {
	router *Router
	store  *transactions.MemoryStore
	gw     *fakeGateway
}

func newFixture(t *testing.T, opts Options, gateways ...payments.Gateway) *fixture {
	t.Helper()
	gw := &fakeGateway{method: payments.MethodChapa}
	if len(gateways) == 0 {
		gateways = []payments.Gateway{gw}
	}
	store := transactions.NewMemoryStore(nil)
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	reg := payments.NewRegistry(map[string]payments.Method{"*": payments.MethodChapa}, gateways...)
	return &fixture{
		router: NewRouter(reg, store, zap.NewNop().Sugar(), opts),
		store:  store,
		gw:     gw,
	}
}

func intent(key string) PaymentIntent {
	return PaymentIntent{
		BookingID:      "booking-1",
		Amount:         10_000,
		Currency:       "etb",
		IdempotencyKey: key,
	}
}

// openPending initiates a payment and returns its pending row.
func (f *fixture) openPending(t *testing.T, key string) *transactions.Transaction {
	t.Helper()
	res, err := f.router.Initiate(context.Background(), intent(key))
	require.NoError(t, err)
	require.Equal(t, transactions.StatePendingConfirmation, res.Transaction.State)
	return res.Transaction
}

var errBoom = errors.New("boom")
