package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bookpay/internal/auth"
	"bookpay/internal/checkout"
	"bookpay/internal/config"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/payments"
	"bookpay/internal/ratelimiter"
)

// stubGateway opens every payment and confirms whatever ref the
// X-Test-Ref header names, provided X-Test-Signature is "ok".
type stubGateway struct {
	declineAll bool
}

func (s *stubGateway) Method() payments.Method       { return payments.MethodChapa }
func (s *stubGateway) Supports(currency string) bool { return currency == "ETB" }

func (s *stubGateway) Initiate(_ context.Context, req payments.InitiateRequest) (payments.Result, error) {
	if s.declineAll {
		return payments.Declined{Reason: "card blocked", ProviderStatus: "FAILED"}, nil
	}
	return payments.Success{
		ExternalRef:    req.OrderRef,
		ProviderStatus: "CREATED",
		Checkout:       &payments.Checkout{URL: "https://pay.example/" + req.OrderRef, Method: http.MethodGet},
	}, nil
}

func (s *stubGateway) Verify(context.Context, payments.VerifyRequest) (payments.Result, error) {
	return payments.Pending{ProviderStatus: "WAITING"}, nil
}

func (s *stubGateway) ParseNotification(_ context.Context, header http.Header, _ []byte) (payments.Notification, error) {
	if header.Get("X-Test-Signature") != "ok" {
		return payments.Notification{}, payments.ErrInvalidSignature
	}
	ref := header.Get("X-Test-Ref")
	return payments.Notification{
		ExternalRef: ref,
		Result:      payments.Success{ExternalRef: ref, ProviderStatus: "SUCCESS"},
	}, nil
}

type testServer struct {
	handler http.Handler
	store   *transactions.MemoryStore
	token   string
}

func newTestServer(t *testing.T, gw *stubGateway, limit int) *testServer {
	t.Helper()

	cfg := config.Config{
		Env: "test",
		Auth: config.AuthConfig{
			BasicUser:   "ops",
			BasicPass:   "secret",
			TokenSecret: "test-secret",
			TokenAud:    "bookpay",
			TokenIss:    "bookpay",
		},
		RateLimiter: ratelimiter.Config{RequestsPerTimeFrame: limit, TimeFrame: time.Minute, Enabled: limit > 0},
	}

	logger := zap.NewNop().Sugar()
	store := transactions.NewMemoryStore(nil)
	registry := payments.NewRegistry(map[string]payments.Method{"*": payments.MethodChapa}, gw)
	authenticator := auth.NewJWTAuthenticator(cfg.Auth.TokenSecret, cfg.Auth.TokenAud, cfg.Auth.TokenIss)

	token, err := authenticator.IssueToken("user-42", time.Hour)
	require.NoError(t, err)

	app := &application{
		config:        cfg,
		logger:        logger,
		ledger:        store,
		registry:      registry,
		router:        checkout.NewRouter(registry, store, logger, checkout.Options{}),
		authenticator: authenticator,
		rateLimiter:   ratelimiter.NewFixedWindowLimiter(limit, time.Minute),
	}
	return &testServer{handler: app.mount(), store: store, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) bearer() http.Header {
	return http.Header{"Authorization": {"Bearer " + s.token}}
}

func basic() http.Header {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("ops", "secret")
	return req.Header
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, out))
}

var newPayment = map[string]any{
	"booking_id":      "booking-7",
	"idempotency_key": "key-00000001",
	"amount":          10_000,
	"currency":        "ETB",
}

func TestCreatePaymentRequiresToken(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 0)

	rr := s.do(t, http.MethodPost, "/v1/payments", newPayment, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 0, len(s.store.Outbox().All()))
}

func TestCreatePaymentAndReplay(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 0)

	rr := s.do(t, http.MethodPost, "/v1/payments", newPayment, s.bearer())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var first paymentResponse
	decodeData(t, rr, &first)
	assert.Equal(t, "processing", first.State)
	assert.Equal(t, payments.MethodChapa, first.Gateway)
	require.NotNil(t, first.Checkout)
	assert.Contains(t, first.Checkout.URL, "https://pay.example/")

	rr = s.do(t, http.MethodPost, "/v1/payments", newPayment, s.bearer())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var second paymentResponse
	decodeData(t, rr, &second)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Replayed)
}

func TestCreatePaymentIdempotencyKeyFromHeader(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 0)

	h := s.bearer()
	h.Set("Idempotency-Key", "header-key-1")
	rr := s.do(t, http.MethodPost, "/v1/payments", map[string]any{
		"booking_id": "booking-8",
		"amount":     500,
		"currency":   "ETB",
	}, h)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp paymentResponse
	decodeData(t, rr, &resp)
	tx, err := s.store.Get(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "header-key-1", tx.IdempotencyKey)
}

func TestCreatePaymentErrorMapping(t *testing.T) {
	t.Run("declined is 402", func(t *testing.T) {
		s := newTestServer(t, &stubGateway{declineAll: true}, 0)
		rr := s.do(t, http.MethodPost, "/v1/payments", newPayment, s.bearer())
		assert.Equal(t, http.StatusPaymentRequired, rr.Code)

		var env struct {
			Success bool `json:"success"`
			Status  int  `json:"status"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
		assert.False(t, env.Success)
		assert.Equal(t, http.StatusPaymentRequired, env.Status)

		// the key is consumed by the declined attempt
		rr = s.do(t, http.MethodPost, "/v1/payments", newPayment, s.bearer())
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("unknown method is 422", func(t *testing.T) {
		s := newTestServer(t, &stubGateway{}, 0)
		body := map[string]any{}
		for k, v := range newPayment {
			body[k] = v
		}
		body["method"] = "cbebirr"
		rr := s.do(t, http.MethodPost, "/v1/payments", body, s.bearer())
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("unknown fields are 400", func(t *testing.T) {
		s := newTestServer(t, &stubGateway{}, 0)
		rr := s.do(t, http.MethodPost, "/v1/payments", map[string]any{"booking": "x"}, s.bearer())
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown payment is 404", func(t *testing.T) {
		s := newTestServer(t, &stubGateway{}, 0)
		rr := s.do(t, http.MethodGet, "/v1/payments/nope", nil, s.bearer())
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestCreatePaymentRateLimited(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 2)

	for i := 0; i < 2; i++ {
		rr := s.do(t, http.MethodPost, "/v1/payments", newPayment, s.bearer())
		require.Less(t, rr.Code, 300, rr.Body.String())
	}
	rr := s.do(t, http.MethodPost, "/v1/payments", newPayment, s.bearer())
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	// reads are not limited
	rr = s.do(t, http.MethodGet, "/v1/payments/nope", nil, s.bearer())
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookConfirmsAndSettles(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 0)

	rr := s.do(t, http.MethodPost, "/v1/payments", newPayment, s.bearer())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created paymentResponse
	decodeData(t, rr, &created)

	tx, err := s.store.Get(context.Background(), created.TransactionID)
	require.NoError(t, err)

	rr = s.do(t, http.MethodPost, "/v1/payments/webhooks/chapa", map[string]any{"event": "charge.success"},
		http.Header{"X-Test-Signature": {"forged"}, "X-Test-Ref": {tx.ExternalRef}})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	hook := http.Header{"X-Test-Signature": {"ok"}, "X-Test-Ref": {tx.ExternalRef}}
	for i := 0; i < 2; i++ {
		rr = s.do(t, http.MethodPost, "/v1/payments/webhooks/chapa", map[string]any{"event": "charge.success"}, hook)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, "/v1/payments/"+tx.ID, nil, s.bearer())
	require.Equal(t, http.StatusOK, rr.Code)
	var st checkout.Status
	decodeData(t, rr, &st)
	assert.Equal(t, "succeeded", st.State)
	assert.Nil(t, st.Checkout)

	rr = s.do(t, http.MethodGet, "/v1/admin/payments/"+tx.ID+"/settlement", nil, basic())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var settled transactions.Settlement
	decodeData(t, rr, &settled)
	assert.Equal(t, int64(10_000), settled.GrossAmount)
	assert.Equal(t, int64(8_444), settled.NetPayout)

	rr = s.do(t, http.MethodGet, "/v1/admin/settlements?limit=10", nil, basic())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var list struct {
		Settlements []transactions.Settlement `json:"settlements"`
	}
	decodeData(t, rr, &list)
	assert.Len(t, list.Settlements, 1)

	// cancelling a succeeded payment conflicts
	rr = s.do(t, http.MethodPost, "/v1/payments/"+tx.ID+"/cancel", nil, s.bearer())
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestWebhookUnknownReference(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 0)

	rr := s.do(t, http.MethodPost, "/v1/payments/webhooks/chapa", map[string]any{},
		http.Header{"X-Test-Signature": {"ok"}, "X-Test-Ref": {"BPUNKNOWN"}})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelPayment(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 0)

	rr := s.do(t, http.MethodPost, "/v1/payments", newPayment, s.bearer())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created paymentResponse
	decodeData(t, rr, &created)

	rr = s.do(t, http.MethodPost, "/v1/payments/"+created.TransactionID+"/cancel", map[string]any{"reason": "changed my mind"}, s.bearer())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	tx, err := s.store.Get(context.Background(), created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StateFailed, tx.State)
}

func TestAdminRoutesRequireBasicAuth(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 0)

	rr := s.do(t, http.MethodGet, "/v1/admin/settlements", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")

	rr = s.do(t, http.MethodGet, "/v1/admin/settlements", nil, s.bearer())
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodGet, "/v1/admin/settlements/summary?since=not-a-time", nil, basic())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/v1/admin/settlements/summary", nil, basic())
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubGateway{}, 0)

	rr := s.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	decodeData(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"chapa"}, body["gateways"])
}
