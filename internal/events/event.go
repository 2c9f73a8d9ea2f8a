package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	PaymentConfirmed Type = "payment.confirmed"
	PaymentFailed    Type = "payment.failed"
	PaymentExpired   Type = "payment.expired"
)

// Event is one outbox row. At most one event of each Type exists per
// transaction.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	TransactionID string          `json:"transaction_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
}

type ConfirmedPayload struct {
	BookingID     string    `json:"bookingId"`
	TransactionID string    `json:"transactionId"`
	Gateway       string    `json:"gateway"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	NetPayout     int64     `json:"netPayout"`
	ConfirmedAt   time.Time `json:"confirmedAt"`
}

type FailedPayload struct {
	BookingID     string `json:"bookingId"`
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

type ExpiredPayload struct {
	BookingID     string    `json:"bookingId"`
	TransactionID string    `json:"transactionId"`
	ExpiredAt     time.Time `json:"expiredAt"`
}

func New(t Type, transactionID string, payload any, now time.Time) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		TransactionID: transactionID,
		Payload:       b,
		CreatedAt:     now.UTC(),
	}, nil
}
