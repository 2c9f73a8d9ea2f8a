package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookpay/internal/booking"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/payments"
)

const (
	defaultInitiateTimeout = 10 * time.Second
	defaultVerifyTimeout   = 5 * time.Second
	defaultExpiry          = 30 * time.Minute
)

// PaymentIntent is what a client asks to pay. When a booking lookup is
// configured Amount and Currency are ignored and read from the booking.
type PaymentIntent struct {
	BookingID      string          `json:"booking_id" validate:"required,max=128"`
	Amount         int64           `json:"amount" validate:"gte=0"`
	Currency       string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Method         payments.Method `json:"method,omitempty"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,min=8,max=128"`
	Title          string          `json:"title,omitempty" validate:"max=120"`
	PayerName      string          `json:"payer_name,omitempty" validate:"max=120"`
	PayerEmail     string          `json:"payer_email,omitempty" validate:"omitempty,email"`
	PayerPhone     string          `json:"payer_phone,omitempty" validate:"max=20"`
}

type InitiateResult struct {
	Checkout    *payments.Checkout
	Transaction *transactions.Transaction
	// Replayed is set when the idempotency key matched an existing attempt.
	Replayed bool
}

// BookingLookup is the booking collaborator as the router sees it.
type BookingLookup interface {
	Lookup(ctx context.Context, bookingID string) (*booking.Booking, error)
}

type Options struct {
	Bookings        BookingLookup
	OrderRefs       *payments.OrderRefGenerator
	Expiry          time.Duration
	InitiateTimeout time.Duration
	VerifyTimeout   time.Duration
	Now             func() time.Time
}

// Router drives a payment from intent to a terminal ledger state. It holds no
// per-payment state; concurrent callers are serialized by the ledger CAS.
type Router struct {
	registry *payments.Registry
	store    transactions.Store
	bookings BookingLookup
	refs     *payments.OrderRefGenerator
	validate *validator.Validate
	logger   *zap.SugaredLogger

	expiry          time.Duration
	initiateTimeout time.Duration
	verifyTimeout   time.Duration
	now             func() time.Time
	newID           func() string
}

func NewRouter(registry *payments.Registry, store transactions.Store, logger *zap.SugaredLogger, opts Options) *Router {
	r := &Router{
		registry:        registry,
		store:           store,
		bookings:        opts.Bookings,
		refs:            opts.OrderRefs,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		logger:          logger,
		expiry:          opts.Expiry,
		initiateTimeout: opts.InitiateTimeout,
		verifyTimeout:   opts.VerifyTimeout,
		now:             opts.Now,
		newID:           uuid.NewString,
	}
	if r.refs == nil {
		r.refs = payments.NewOrderRefGenerator("")
	}
	if r.logger == nil {
		r.logger = zap.NewNop().Sugar()
	}
	if r.expiry <= 0 {
		r.expiry = defaultExpiry
	}
	if r.initiateTimeout <= 0 {
		r.initiateTimeout = defaultInitiateTimeout
	}
	if r.verifyTimeout <= 0 {
		r.verifyTimeout = defaultVerifyTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Initiate opens a payment with a provider and records it in the ledger.
// Only a provider Success or Declined leaves a row behind.
func (r *Router) Initiate(ctx context.Context, in PaymentIntent) (*InitiateResult, error) {
	in.Method = payments.ParseMethod(string(in.Method))
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := r.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	// an explicit method is checked before anything leaves the process
	if in.Method != "" {
		if _, err := r.registry.Get(in.Method); err != nil {
			return nil, err
		}
	}

	// a replay must not depend on the booking still being payable
	existing, err := r.store.GetByIdempotencyKey(ctx, in.BookingID, in.IdempotencyKey)
	switch {
	case err == nil:
		return r.replay(existing)
	case !errors.Is(err, transactions.ErrNotFound):
		return nil, err
	}

	if err := r.resolveAmount(ctx, &in); err != nil {
		return nil, err
	}

	gw, err := r.registry.Select(in.Method, in.Currency)
	if err != nil {
		return nil, err
	}

	id := r.newID()
	req := payments.InitiateRequest{
		TransactionID: id,
		OrderRef:      r.refs.Generate(),
		Amount:        in.Amount,
		Currency:      in.Currency,
		Title:         in.Title,
		PayerName:     in.PayerName,
		PayerEmail:    in.PayerEmail,
		PayerPhone:    in.PayerPhone,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.initiateTimeout)
	res, err := gw.Initiate(callCtx, req)
	cancel()
	if err != nil {
		r.logger.Errorw("initiate failed", "gateway", gw.Method(), "booking_id", in.BookingID, "error", err)
		return nil, err
	}

	switch v := res.(type) {
	case payments.Success:
		return r.recordOpened(ctx, gw.Method(), in, req, v)
	case payments.Declined:
		return nil, r.recordDeclined(ctx, gw.Method(), in, req, v)
	case payments.TransientFailure:
		r.logger.Warnw("initiate transient failure", "gateway", gw.Method(), "booking_id", in.BookingID, "error", v.Cause)
		return nil, asTransient(gw.Method(), v.Cause)
	default:
		return nil, fmt.Errorf("%s: unexpected initiate result %T", gw.Method(), res)
	}
}

func (r *Router) resolveAmount(ctx context.Context, in *PaymentIntent) error {
	if r.bookings != nil {
		b, err := r.bookings.Lookup(ctx, in.BookingID)
		if err != nil {
			return err
		}
		if !b.Payable() {
			return fmt.Errorf("%w: %s is %s", booking.ErrNotPayable, in.BookingID, b.Status)
		}
		in.Amount, in.Currency = b.Amount, b.Currency
	}
	if in.Amount <= 0 || in.Currency == "" {
		return fmt.Errorf("%w: amount and currency are required", ErrInvalidIntent)
	}
	return nil
}

func (r *Router) replay(existing *transactions.Transaction) (*InitiateResult, error) {
	if existing.State == transactions.StateFailed || existing.State == transactions.StateExpired {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrAttemptClosed, existing.ID, existing.State)
	}
	r.logger.Infow("idempotent replay",
		"transaction_id", existing.ID,
		"booking_id", existing.BookingID,
		"state", existing.State,
		"reason", ErrDuplicateAttempt,
	)
	return &InitiateResult{Checkout: existing.Checkout(), Transaction: existing, Replayed: true}, nil
}

func (r *Router) newRow(m payments.Method, in PaymentIntent, req payments.InitiateRequest, externalRef string) *transactions.Transaction {
	now := r.now().UTC()
	if externalRef == "" {
		externalRef = req.OrderRef
	}
	return &transactions.Transaction{
		ID:             req.TransactionID,
		BookingID:      in.BookingID,
		Gateway:        m,
		ExternalRef:    externalRef,
		Amount:         in.Amount,
		Currency:       in.Currency,
		State:          transactions.StateInitiated,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.expiry),
	}
}

func (r *Router) recordOpened(ctx context.Context, m payments.Method, in PaymentIntent, req payments.InitiateRequest, s payments.Success) (*InitiateResult, error) {
	if s.Checkout == nil {
		return nil, fmt.Errorf("%s: provider accepted the order without a checkout", m)
	}

	row := r.newRow(m, in, req, s.ExternalRef)
	row.SetCheckout(s.Checkout)

	tx, created, err := r.store.Create(ctx, row)
	if err != nil {
		return nil, err
	}
	if !created {
		// a concurrent request with the same key won; its provider order is
		// the one the payer sees
		r.logger.Warnw("idempotency race lost, provider order orphaned",
			"booking_id", in.BookingID,
			"winner", tx.ID,
			"orphan_ref", row.ExternalRef,
		)
		return r.replay(tx)
	}
	r.audit(ctx, tx.ID, transactions.LogResponse, map[string]any{
		"stage":  "initiate",
		"status": s.ProviderStatus,
		"raw":    s.Raw,
	})

	tx, ok, err := r.store.Apply(ctx, tx.ID, transactions.Change{
		From: []transactions.State{transactions.StateInitiated},
		To:   transactions.StatePendingConfirmation,
		At:   r.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		r.logger.Infow("transition lost", "transaction_id", tx.ID, "to", transactions.StatePendingConfirmation, "state", tx.State)
	}
	return &InitiateResult{Checkout: tx.Checkout(), Transaction: tx}, nil
}

func (r *Router) recordDeclined(ctx context.Context, m payments.Method, in PaymentIntent, req payments.InitiateRequest, d payments.Declined) error {
	declined := &payments.DeclinedError{Method: m, Reason: d.Reason}

	tx, created, err := r.store.Create(ctx, r.newRow(m, in, req, ""))
	if err != nil {
		return err
	}
	if !created {
		r.logger.Warnw("declined attempt raced an accepted one", "booking_id", in.BookingID, "winner", tx.ID)
		return declined
	}
	r.audit(ctx, tx.ID, transactions.LogResponse, map[string]any{
		"stage":  "initiate",
		"status": d.ProviderStatus,
		"reason": d.Reason,
		"raw":    d.Raw,
	})
	if _, _, err := r.fail(ctx, tx, d.Reason); err != nil {
		return err
	}
	return declined
}

// audit appends to payment_logs. Failures are logged, not returned.
func (r *Router) audit(ctx context.Context, txID string, kind transactions.LogType, payload any) {
	if err := r.store.AppendLog(ctx, txID, kind, payload); err != nil {
		r.logger.Warnw("payment log write failed", "transaction_id", txID, "type", kind, "error", err)
	}
}

func asTransient(m payments.Method, cause error) error {
	if errors.Is(cause, payments.ErrProviderTransient) {
		return cause
	}
	return &payments.TransientError{Method: m, Err: cause}
}
