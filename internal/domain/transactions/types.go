package transactions

import (
	"context"
	"errors"
	"slices"
	"time"

	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/settlement"
)

var (
	ErrNotFound             = errors.New("transaction not found")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrDuplicateExternalRef = errors.New("external reference already assigned")
)

type State string

const (
	StateInitiated           State = "initiated"
	StatePendingConfirmation State = "pending_confirmation"
	StateConfirmed           State = "confirmed"
	StateFailed              State = "failed"
	StateExpired             State = "expired"
)

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateExpired
}

// ClientStatus is the only view of the state the payer gets.
func (s State) ClientStatus() string {
	switch s {
	case StateConfirmed:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "processing"
	}
}

// NonTerminal are the states a transaction can still leave.
var NonTerminal = []State{StateInitiated, StatePendingConfirmation}

var transitions = map[State][]State{
	StateInitiated:           {StatePendingConfirmation, StateFailed, StateExpired},
	StatePendingConfirmation: {StateConfirmed, StateFailed, StateExpired},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Nothing leaves a terminal state.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

type Transaction struct {
	ID             string            `json:"id"`
	BookingID      string            `json:"booking_id"`
	Gateway        payments.Method   `json:"gateway"`
	ExternalRef    string            `json:"external_ref"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	State          State             `json:"state"`
	CheckoutURL    string            `json:"checkout_url,omitempty"`
	CheckoutMethod string            `json:"checkout_method,omitempty"`
	CheckoutData   map[string]string `json:"checkout_data,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	FailureReason  *string           `json:"failure_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	ConfirmedAt    *time.Time        `json:"confirmed_at,omitempty"`
	LastPolledAt   *time.Time        `json:"last_polled_at,omitempty"`
}

// Checkout rebuilds the handle shown to the payer.
func (t *Transaction) Checkout() *payments.Checkout {
	if t.CheckoutURL == "" {
		return nil
	}
	return &payments.Checkout{URL: t.CheckoutURL, Method: t.CheckoutMethod, Fields: t.CheckoutData}
}

// SetCheckout stores c so the checkout can be re-presented on replay.
func (t *Transaction) SetCheckout(c *payments.Checkout) {
	if c == nil {
		return
	}
	t.CheckoutURL = c.URL
	t.CheckoutMethod = c.Method
	t.CheckoutData = c.Fields
}

// Settlement is the persisted breakdown of a confirmed transaction.
type Settlement struct {
	TransactionID string          `json:"transaction_id"`
	BookingID     string          `json:"booking_id"`
	Gateway       payments.Method `json:"gateway"`
	Currency      string          `json:"currency"`
	settlement.Breakdown
	ComputedAt time.Time `json:"computed_at"`
}

// Change is one compare-and-set transition. The settlement and the event are
// written in the same unit of work, and only when the transition applies.
type Change struct {
	From       []State
	To         State
	At         time.Time
	Reason     string
	Settlement *Settlement
	Event      *events.Event
}

// Validate rejects edges the state machine does not have.
func (c Change) Validate() error {
	if len(c.From) == 0 {
		return ErrInvalidTransition
	}
	for _, f := range c.From {
		if !CanTransition(f, c.To) {
			return ErrInvalidTransition
		}
	}
	if c.To == StateConfirmed && c.Settlement == nil {
		return errors.New("confirmed transition requires a settlement")
	}
	return nil
}

type LogType string

const (
	LogRequest  LogType = "request"
	LogResponse LogType = "response"
	LogWebhook  LogType = "webhook"
	LogVerify   LogType = "verify"
	LogError    LogType = "error"
)

type SettlementFilter struct {
	Since  *time.Time
	Limit  int
	Offset int
}

// Store is the ledger. Every state change goes through Apply.
type Store interface {
	// Create inserts t. If a row already exists for (BookingID,
	// IdempotencyKey) that row is returned with created=false.
	Create(ctx context.Context, t *Transaction) (tx *Transaction, created bool, err error)
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, bookingID, key string) (*Transaction, error)
	GetByExternalRef(ctx context.Context, gateway payments.Method, ref string) (*Transaction, error)

	// Apply moves the transaction to c.To if its current state is one of
	// c.From. It returns the row as it is after the call and whether this
	// call made the change.
	Apply(ctx context.Context, id string, c Change) (*Transaction, bool, error)

	// ListPending returns pending_confirmation rows, least recently polled
	// first, so rows that keep failing do not starve newer ones.
	ListPending(ctx context.Context, limit int) ([]*Transaction, error)
	// MarkPolled records a verification attempt without touching the state.
	MarkPolled(ctx context.Context, id string, at time.Time) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	GetSettlement(ctx context.Context, transactionID string) (*Settlement, error)
	ListSettlements(ctx context.Context, f SettlementFilter) ([]*Settlement, int, error)
	SummarizeSettlements(ctx context.Context, since *time.Time) (settlement.Summary, error)

	AppendLog(ctx context.Context, transactionID string, kind LogType, payload any) error
	Logs(ctx context.Context, transactionID string) ([]PaymentLog, error)
}
