package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBEBirr_InitiateSignsRequest(t *testing.T) {
	var a *CBEBirrAdapter
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "amount,currency,merchant_id,reference", body["signed_field_names"])
		assert.Equal(t, a.sign(body, cbeRequestFields), body["signature"])
		assert.Equal(t, "150.00", body["amount"])

		_, _ = w.Write([]byte(`{"reference":"BP7","payment_url":"https://cbe.example/pay/BP7","status":"PENDING"}`))
	}))
	defer srv.Close()

	a = NewCBEBirrAdapter(CBEBirrConfig{BaseURL: srv.URL, MerchantID: "M1", SecretKey: "k"}, srv.Client())
	res, err := a.Initiate(context.Background(), InitiateRequest{OrderRef: "BP7", Amount: 15000, Currency: "ETB"})
	require.NoError(t, err)
	s, ok := res.(Success)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, "https://cbe.example/pay/BP7", s.Checkout.URL)
}

func TestCBEBirr_VerifyUnknownReferenceIsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Signature"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewCBEBirrAdapter(CBEBirrConfig{BaseURL: srv.URL, MerchantID: "M1", SecretKey: "k"}, srv.Client())
	res, err := a.Verify(context.Background(), VerifyRequest{ExternalRef: "BP8"})
	require.NoError(t, err)
	assert.Equal(t, "payments.Pending", typeName(res))
}

func signedCallback(a *CBEBirrAdapter, fields map[string]string, names []string) []byte {
	payload := map[string]string{
		"signed_field_names": strings.Join(names, ","),
		"signature":          a.sign(fields, names),
	}
	for k, v := range fields {
		payload[k] = v
	}
	b, _ := json.Marshal(payload)
	return b
}

func TestCBEBirr_ParseNotification(t *testing.T) {
	a := NewCBEBirrAdapter(CBEBirrConfig{MerchantID: "M1", SecretKey: "k"}, nil)
	fields := map[string]string{
		"reference": "BP9", "status": "COMPLETED", "amount": "150.00", "currency": "ETB", "merchant_id": "M1",
	}

	n, err := a.ParseNotification(context.Background(), nil,
		signedCallback(a, fields, []string{"reference", "status", "amount", "merchant_id"}))
	require.NoError(t, err)
	s, ok := n.Result.(Success)
	require.True(t, ok, "got %T", n.Result)
	assert.Equal(t, int64(15000), s.PaidAmount)

	t.Run("status not signed", func(t *testing.T) {
		_, err := a.ParseNotification(context.Background(), nil,
			signedCallback(a, fields, []string{"reference", "amount"}))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewCBEBirrAdapter(CBEBirrConfig{MerchantID: "M1", SecretKey: "other"}, nil)
		_, err := a.ParseNotification(context.Background(), nil,
			signedCallback(other, fields, []string{"reference", "status"}))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("other merchant", func(t *testing.T) {
		f := map[string]string{"reference": "BP9", "status": "COMPLETED", "merchant_id": "M2"}
		_, err := a.ParseNotification(context.Background(), nil,
			signedCallback(a, f, []string{"reference", "status", "merchant_id"}))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}
