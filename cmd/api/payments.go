package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bookpay/internal/checkout"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/payments"
)

type createPaymentPayload struct {
	BookingID      string `json:"booking_id" validate:"required,max=128"`
	Method         string `json:"method,omitempty" validate:"omitempty,max=32"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,min=8,max=128"`
	// Amount and Currency are only honoured when no booking service is
	// configured.
	Amount     int64  `json:"amount,omitempty" validate:"gte=0"`
	Currency   string `json:"currency,omitempty" validate:"omitempty,len=3"`
	Title      string `json:"title,omitempty" validate:"max=120"`
	PayerName  string `json:"payer_name,omitempty" validate:"max=120"`
	PayerEmail string `json:"payer_email,omitempty" validate:"omitempty,email"`
	PayerPhone string `json:"payer_phone,omitempty" validate:"max=20"`
}

type paymentResponse struct {
	TransactionID string             `json:"transaction_id"`
	State         string             `json:"state"`
	Gateway       payments.Method    `json:"gateway"`
	Amount        int64              `json:"amount"`
	Currency      string             `json:"currency"`
	Checkout      *payments.Checkout `json:"checkout,omitempty"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Replayed      bool               `json:"replayed,omitempty"`
}

// createPaymentHandler starts a payment for a booking.
// The idempotency key may come from the body or the Idempotency-Key header.
func (app *application) createPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var payload createPaymentPayload
	if err := readJSON(w, r, &payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}
	if payload.IdempotencyKey == "" {
		payload.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if err := Validate.Struct(payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}
	if payload.IdempotencyKey == "" {
		app.badRequestResponse(w, r, errors.New("idempotency_key is required"))
		return
	}

	res, err := app.router.Initiate(r.Context(), checkout.PaymentIntent{
		BookingID:      payload.BookingID,
		Amount:         payload.Amount,
		Currency:       payload.Currency,
		Method:         payments.Method(payload.Method),
		IdempotencyKey: payload.IdempotencyKey,
		Title:          payload.Title,
		PayerName:      payload.PayerName,
		PayerEmail:     payload.PayerEmail,
		PayerPhone:     payload.PayerPhone,
	})
	if err != nil {
		app.paymentErrorResponse(w, r, err)
		return
	}

	tx := res.Transaction
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	if err := app.jsonResponse(w, status, paymentResponse{
		TransactionID: tx.ID,
		State:         tx.State.ClientStatus(),
		Gateway:       tx.Gateway,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Checkout:      res.Checkout,
		ExpiresAt:     tx.ExpiresAt,
		Replayed:      res.Replayed,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

func (app *application) getPaymentHandler(w http.ResponseWriter, r *http.Request) {
	st, err := app.router.Status(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		app.paymentErrorResponse(w, r, err)
		return
	}
	if err := app.jsonResponse(w, http.StatusOK, st); err != nil {
		app.internalServerError(w, r, err)
	}
}

func (app *application) cancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason" validate:"max=200"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &payload); err != nil {
			app.badRequestResponse(w, r, err)
			return
		}
		if err := Validate.Struct(payload); err != nil {
			app.badRequestResponse(w, r, err)
			return
		}
	}

	tx, err := app.router.Cancel(r.Context(), chi.URLParam(r, "paymentID"), payload.Reason)
	if err != nil {
		app.paymentErrorResponse(w, r, err)
		return
	}
	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"transaction_id": tx.ID,
		"state":          tx.State.ClientStatus(),
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// paymentWebhookHandler receives provider callbacks. Answers other than 2xx
// make providers redeliver, so only retryable failures get one.
func (app *application) paymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	method := payments.ParseMethod(chi.URLParam(r, "method"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		app.badRequestResponse(w, r, fmt.Errorf("read webhook body: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	res, err := app.router.HandleNotification(ctx, method, r.Header, body)
	switch {
	case err == nil:
		app.logger.Infow("webhook processed",
			"gateway", method,
			"transaction_id", res.TransactionID,
			"state", res.State,
			"applied", res.Applied,
		)
	case errors.Is(err, payments.ErrInvalidSignature):
		app.unauthorizedErrorResponse(w, r, err)
		return
	case errors.Is(err, checkout.ErrAmountMismatch):
		// logged for review by the router; a redelivery would not change it
		app.logger.Errorw("webhook amount mismatch", "gateway", method, "transaction_id", res.TransactionID, "error", err)
	case errors.Is(err, transactions.ErrNotFound):
		app.notFoundResponse(w, r, err)
		return
	default:
		app.paymentErrorResponse(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
