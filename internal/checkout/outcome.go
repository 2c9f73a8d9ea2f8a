package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bookpay/internal/domain/transactions"
	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/settlement"
)

type VerificationResult struct {
	TransactionID string             `json:"transaction_id"`
	State         transactions.State `json:"state"`
	// ExternalStatus is the provider's own status string, if it sent one.
	ExternalStatus string `json:"external_status,omitempty"`
	// Applied is set when this call moved the transaction.
	Applied bool `json:"applied"`
}

// Status is the client-facing view of a transaction.
type Status struct {
	TransactionID string             `json:"transaction_id"`
	BookingID     string             `json:"booking_id"`
	State         string             `json:"state"`
	Amount        int64              `json:"amount"`
	Currency      string             `json:"currency"`
	Checkout      *payments.Checkout `json:"checkout,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Verify asks the provider for the outcome of tx and applies it.
func (r *Router) Verify(ctx context.Context, tx *transactions.Transaction) (VerificationResult, error) {
	current := VerificationResult{TransactionID: tx.ID, State: tx.State}
	if tx.State.Terminal() {
		return current, nil
	}

	gw, err := r.registry.Get(tx.Gateway)
	if err != nil {
		return current, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.verifyTimeout)
	res, err := gw.Verify(callCtx, payments.VerifyRequest{
		TransactionID: tx.ID,
		ExternalRef:   tx.ExternalRef,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
	})
	cancel()
	if err != nil {
		r.audit(ctx, tx.ID, transactions.LogError, map[string]string{"stage": "verify", "error": err.Error()})
		return current, err
	}
	r.audit(ctx, tx.ID, transactions.LogVerify, verifyLog(res))

	return r.applyResult(ctx, tx, res)
}

// VerifyByID loads a transaction and verifies it.
func (r *Router) VerifyByID(ctx context.Context, id string) (VerificationResult, error) {
	tx, err := r.store.Get(ctx, id)
	if err != nil {
		return VerificationResult{}, err
	}
	return r.Verify(ctx, tx)
}

// HandleNotification authenticates a provider callback and applies its
// outcome. Nothing in the ledger is read before the signature checks out.
func (r *Router) HandleNotification(ctx context.Context, m payments.Method, header http.Header, body []byte) (VerificationResult, error) {
	gw, err := r.registry.Get(m)
	if err != nil {
		return VerificationResult{}, err
	}
	n, err := gw.ParseNotification(ctx, header, body)
	if err != nil {
		return VerificationResult{}, err
	}

	if !r.refs.Valid(n.ExternalRef) {
		r.logger.Warnw("callback for a reference we did not issue", "gateway", m, "external_ref", n.ExternalRef)
		return VerificationResult{}, fmt.Errorf("%s callback for %q: %w", m, n.ExternalRef, transactions.ErrNotFound)
	}

	tx, err := r.store.GetByExternalRef(ctx, m, n.ExternalRef)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%s callback for %q: %w", m, n.ExternalRef, err)
	}
	r.audit(ctx, tx.ID, transactions.LogWebhook, webhookLog(body))

	if tx.State.Terminal() {
		return VerificationResult{TransactionID: tx.ID, State: tx.State, ExternalStatus: payments.ProviderStatus(n.Result)}, nil
	}
	return r.applyResult(ctx, tx, n.Result)
}

func (r *Router) applyResult(ctx context.Context, tx *transactions.Transaction, res payments.Result) (VerificationResult, error) {
	out := VerificationResult{TransactionID: tx.ID, State: tx.State, ExternalStatus: payments.ProviderStatus(res)}

	switch v := res.(type) {
	case payments.Success:
		if v.PaidAmount != 0 && v.PaidAmount != tx.Amount {
			r.logger.Errorw("amount mismatch, leaving transaction open",
				"transaction_id", tx.ID,
				"expected", tx.Amount,
				"reported", v.PaidAmount,
			)
			r.audit(ctx, tx.ID, transactions.LogError, map[string]any{"stage": "confirm", "expected": tx.Amount, "reported": v.PaidAmount})
			return out, fmt.Errorf("%w: transaction %s expected %d, provider reported %d", ErrAmountMismatch, tx.ID, tx.Amount, v.PaidAmount)
		}
		row, applied, err := r.confirm(ctx, tx)
		if err != nil {
			return out, err
		}
		out.State, out.Applied = row.State, applied
		return out, nil

	case payments.Declined:
		row, applied, err := r.fail(ctx, tx, v.Reason)
		if err != nil {
			return out, err
		}
		out.State, out.Applied = row.State, applied
		return out, nil

	case payments.Pending:
		return out, nil

	case payments.TransientFailure:
		r.logger.Warnw("verification transient failure", "transaction_id", tx.ID, "gateway", tx.Gateway, "error", v.Cause)
		return out, asTransient(tx.Gateway, v.Cause)

	default:
		return out, fmt.Errorf("%s: unexpected verify result %T", tx.Gateway, res)
	}
}

// confirm moves tx to confirmed. The settlement and the payment.confirmed
// event are written with the state change or not at all.
func (r *Router) confirm(ctx context.Context, tx *transactions.Transaction) (*transactions.Transaction, bool, error) {
	if tx.State == transactions.StateInitiated {
		// crashed between insert and presenting the checkout
		row, _, err := r.store.Apply(ctx, tx.ID, transactions.Change{
			From: []transactions.State{transactions.StateInitiated},
			To:   transactions.StatePendingConfirmation,
			At:   r.now().UTC(),
		})
		if err != nil {
			return nil, false, err
		}
		tx = row
	}

	b, err := settlement.Compute(tx.Amount)
	if err != nil {
		return nil, false, err
	}
	at := r.now().UTC()
	evt, err := events.New(events.PaymentConfirmed, tx.ID, events.ConfirmedPayload{
		BookingID:     tx.BookingID,
		TransactionID: tx.ID,
		Gateway:       string(tx.Gateway),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		NetPayout:     b.NetPayout,
		ConfirmedAt:   at,
	}, at)
	if err != nil {
		return nil, false, err
	}

	return r.transition(ctx, tx, transactions.Change{
		From: []transactions.State{transactions.StatePendingConfirmation},
		To:   transactions.StateConfirmed,
		At:   at,
		Settlement: &transactions.Settlement{
			TransactionID: tx.ID,
			BookingID:     tx.BookingID,
			Gateway:       tx.Gateway,
			Currency:      tx.Currency,
			Breakdown:     b,
			ComputedAt:    at,
		},
		Event: &evt,
	})
}

func (r *Router) fail(ctx context.Context, tx *transactions.Transaction, reason string) (*transactions.Transaction, bool, error) {
	if reason == "" {
		reason = "declined"
	}
	at := r.now().UTC()
	evt, err := events.New(events.PaymentFailed, tx.ID, events.FailedPayload{
		BookingID:     tx.BookingID,
		TransactionID: tx.ID,
		Reason:        reason,
	}, at)
	if err != nil {
		return nil, false, err
	}
	return r.transition(ctx, tx, transactions.Change{
		From:   transactions.NonTerminal,
		To:     transactions.StateFailed,
		At:     at,
		Reason: reason,
		Event:  &evt,
	})
}

// Expire closes a transaction whose checkout window has passed.
func (r *Router) Expire(ctx context.Context, tx *transactions.Transaction) (*transactions.Transaction, bool, error) {
	at := r.now().UTC()
	evt, err := events.New(events.PaymentExpired, tx.ID, events.ExpiredPayload{
		BookingID:     tx.BookingID,
		TransactionID: tx.ID,
		ExpiredAt:     at,
	}, at)
	if err != nil {
		return nil, false, err
	}
	return r.transition(ctx, tx, transactions.Change{
		From:   transactions.NonTerminal,
		To:     transactions.StateExpired,
		At:     at,
		Reason: "expired",
		Event:  &evt,
	})
}

// Cancel fails an open transaction on the client's request. Cancelling an
// already failed transaction is a no-op; any other terminal state is
// ErrAttemptClosed.
func (r *Router) Cancel(ctx context.Context, id, reason string) (*transactions.Transaction, error) {
	tx, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by payer"
	}

	row, _, err := r.fail(ctx, tx, reason)
	if err != nil {
		return nil, err
	}
	if row.State != transactions.StateFailed {
		return row, fmt.Errorf("%w: transaction %s is %s", ErrAttemptClosed, row.ID, row.State)
	}
	return row, nil
}

func (r *Router) Status(ctx context.Context, id string) (Status, error) {
	tx, err := r.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		TransactionID: tx.ID,
		BookingID:     tx.BookingID,
		State:         tx.State.ClientStatus(),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		UpdatedAt:     tx.UpdatedAt,
	}
	if !tx.State.Terminal() {
		st.Checkout = tx.Checkout()
	}
	return st, nil
}

// transition applies c; losing the race is not an error.
func (r *Router) transition(ctx context.Context, tx *transactions.Transaction, c transactions.Change) (*transactions.Transaction, bool, error) {
	row, applied, err := r.store.Apply(ctx, tx.ID, c)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		r.logger.Infow("transition lost", "transaction_id", tx.ID, "to", c.To, "state", row.State)
		return row, false, nil
	}
	r.logger.Infow("transaction moved", "transaction_id", tx.ID, "gateway", tx.Gateway, "to", c.To, "reason", c.Reason)
	return row, true, nil
}

func verifyLog(res payments.Result) map[string]any {
	out := map[string]any{"result": fmt.Sprintf("%T", res), "status": payments.ProviderStatus(res)}
	switch v := res.(type) {
	case payments.Success:
		out["raw"] = v.Raw
		out["paid_amount"] = v.PaidAmount
	case payments.Pending:
		out["raw"] = v.Raw
	case payments.Declined:
		out["raw"] = v.Raw
		out["reason"] = v.Reason
	case payments.TransientFailure:
		out["error"] = fmt.Sprint(v.Cause)
	}
	return out
}

func webhookLog(body []byte) any {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return map[string]string{"body": string(body)}
}
