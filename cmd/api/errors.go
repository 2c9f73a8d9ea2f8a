package main

import (
	"errors"
	"net/http"

	"bookpay/internal/booking"
	"bookpay/internal/checkout"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/payments"
)

func (app *application) internalServerError(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Errorw("internal error", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusInternalServerError, "the server encountered a problem")
}

func (app *application) badRequestResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("bad request", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusBadRequest, err.Error())
}

func (app *application) notFoundResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("not found error", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusNotFound, "not found")
}

func (app *application) conflictResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("conflict response", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusConflict, err.Error())
}

func (app *application) unauthorizedErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("unauthorized error", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
}

func (app *application) unauthorizedBasicErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("unauthorized basic error", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
}

func (app *application) rateLimitExceededResponse(w http.ResponseWriter, r *http.Request, retryAfter string) {
	app.logger.Warnw("rate limit exceeded", "method", r.Method, "path", r.URL.Path)
	w.Header().Set("Retry-After", retryAfter)
	writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded, retry after: "+retryAfter)
}

// paymentErrorResponse maps router and ledger errors to a status. Provider
// details never reach the client beyond the classification.
func (app *application) paymentErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		message string
	)
	switch {
	case errors.Is(err, checkout.ErrInvalidIntent):
		app.badRequestResponse(w, r, err)
		return
	case errors.Is(err, transactions.ErrNotFound), errors.Is(err, booking.ErrNotFound):
		app.notFoundResponse(w, r, err)
		return
	case errors.Is(err, checkout.ErrAttemptClosed):
		app.conflictResponse(w, r, err)
		return
	case errors.Is(err, payments.ErrConfiguration), errors.Is(err, booking.ErrNotPayable):
		status, message = http.StatusUnprocessableEntity, "payment method is not available for this booking"
		if errors.Is(err, booking.ErrNotPayable) {
			message = "booking is not awaiting payment"
		}
	case errors.Is(err, payments.ErrProviderDeclined):
		status, message = http.StatusPaymentRequired, "payment was declined"
	case errors.Is(err, payments.ErrProviderTransient):
		status, message = http.StatusServiceUnavailable, "payment provider unavailable, try again"
		w.Header().Set("Retry-After", "5")
	default:
		app.internalServerError(w, r, err)
		return
	}

	app.logger.Warnw("payment request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err.Error())
	writeJSONError(w, status, message)
}
