package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bookpay/internal/domain/transactions"
	"bookpay/internal/params"
	"bookpay/internal/settlement"
)

// adminListSettlementsHandler returns settlements newest first.
// Query: since (RFC3339), page, limit.
func (app *application) adminListSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	since, err := params.ParseSince(r.URL.Query())
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	// --- pagination ---
	pg := params.ParsePagination(r.URL.Query())

	items, total, err := app.ledger.ListSettlements(ctx, transactions.SettlementFilter{
		Since:  since,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	pg.ComputeMeta(total)

	if items == nil {
		items = []*transactions.Settlement{}
	}
	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"settlements": items,
		"pagination":  pg,
		"since":       since, // null if not provided
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

func (app *application) adminSettlementSummaryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	since, err := params.ParseSince(r.URL.Query())
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	sum, err := app.ledger.SummarizeSettlements(ctx, since)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"summary": sum,
		"rates":   settlement.Statutory,
		"since":   since,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

func (app *application) adminGetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	s, err := app.ledger.GetSettlement(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		if errors.Is(err, transactions.ErrNotFound) {
			app.notFoundResponse(w, r, err)
			return
		}
		app.internalServerError(w, r, err)
		return
	}
	if err := app.jsonResponse(w, http.StatusOK, s); err != nil {
		app.internalServerError(w, r, err)
	}
}

// adminGetPaymentHandler returns the full ledger row with its audit log.
func (app *application) adminGetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "paymentID")
	tx, err := app.ledger.Get(r.Context(), id)
	if err != nil {
		app.paymentErrorResponse(w, r, err)
		return
	}
	logs, err := app.ledger.Logs(r.Context(), id)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if logs == nil {
		logs = []transactions.PaymentLog{}
	}
	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"logs":        logs,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// adminVerifyPaymentHandler asks the provider now instead of waiting for the
// poller.
func (app *application) adminVerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	res, err := app.router.VerifyByID(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		app.paymentErrorResponse(w, r, err)
		return
	}
	if err := app.jsonResponse(w, http.StatusOK, res); err != nil {
		app.internalServerError(w, r, err)
	}
}
