package checkout

import "errors"

var (
	ErrInvalidIntent = errors.New("invalid payment intent")
	// ErrDuplicateAttempt classifies a replayed idempotency key. It is only
	// logged: the caller gets the existing attempt back.
	ErrDuplicateAttempt = errors.New("duplicate payment attempt")
	// ErrAttemptClosed means the idempotency key belongs to a failed or
	// expired attempt; the client must retry with a fresh key.
	ErrAttemptClosed  = errors.New("payment attempt is closed")
	ErrAmountMismatch = errors.New("provider reported a different amount")
)
