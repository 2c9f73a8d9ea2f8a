package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bookpay/internal/events"
)

// eventMessage is the body POSTed to the booking service. The event id
// doubles as an idempotency key since delivery is at least once.
type eventMessage struct {
	ID            string          `json:"id"`
	Type          events.Type     `json:"type"`
	TransactionID string          `json:"transactionId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Data          json.RawMessage `json:"data"`
}

// Notify delivers a payment event to the booking service. It is an
// events.HandlerFunc; any non-2xx answer is an error so the dispatcher
// retries later.
func (c *Client) Notify(ctx context.Context, evt events.Event) error {
	msg := eventMessage{
		ID:            evt.ID,
		Type:          evt.Type,
		TransactionID: evt.TransactionID,
		OccurredAt:    evt.CreatedAt,
		Data:          evt.Payload,
	}
	status, err := c.do(ctx, http.MethodPost, "/v1/bookings/payment-events", msg, nil)
	if err != nil {
		return fmt.Errorf("deliver %s for %s: %w", evt.Type, evt.TransactionID, err)
	}
	if status >= 300 {
		return fmt.Errorf("deliver %s for %s: status %d", evt.Type, evt.TransactionID, status)
	}
	return nil
}

// Subscribe wires the client into a bus for every payment event.
func (c *Client) Subscribe(bus *events.Bus) {
	bus.SubscribeAll(c.Notify)
}
