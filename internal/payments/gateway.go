package payments

import (
	"context"
	"net/http"
)

// Gateway is implemented by every provider adapter. Adapters are stateless
// between calls; everything they need to resume lives in the ledger.
type Gateway interface {
	Method() Method
	// Supports reports whether the provider accepts the currency.
	Supports(currency string) bool

	// Initiate returns Success (with a checkout), Declined or TransientFailure.
	// A non-nil error means misconfiguration or an unclassified failure.
	Initiate(ctx context.Context, req InitiateRequest) (Result, error)
	// Verify returns Success, Pending, Declined or TransientFailure.
	Verify(ctx context.Context, req VerifyRequest) (Result, error)
	// ParseNotification authenticates an inbound callback before anything
	// else reads it.
	ParseNotification(ctx context.Context, header http.Header, body []byte) (Notification, error)
}
