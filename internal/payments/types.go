package payments

import (
	"encoding/json"
	"strings"
)

type Method string

const (
	MethodTelebirr Method = "telebirr" // mobile-money wallet
	MethodChapa    Method = "chapa"    // card processor / hosted checkout
	MethodCBEBirr  Method = "cbebirr"  // bank API
)

func ParseMethod(s string) Method {
	return Method(strings.ToLower(strings.TrimSpace(s)))
}

type InitiateRequest struct {
	TransactionID string
	OrderRef      string // sent to the provider, becomes the transaction's external ref
	Amount        int64  // minor units
	Currency      string
	Title         string
	PayerName     string
	PayerEmail    string
	PayerPhone    string
}

type VerifyRequest struct {
	TransactionID string
	ExternalRef   string
	Amount        int64
	Currency      string
}

// Checkout is what the payer is shown: a redirect URL, or a form that must be
// auto-posted to URL.
type Checkout struct {
	URL    string            `json:"url"`
	Method string            `json:"method"` // GET or POST
	Fields map[string]string `json:"fields,omitempty"`
}

// Result is a closed set: Success, Pending, Declined, TransientFailure.
type Result interface {
	isResult()
}

type Success struct {
	ExternalRef    string
	ProviderStatus string
	// PaidAmount is the amount the provider reports as settled, 0 when the
	// response does not carry one.
	PaidAmount int64
	Checkout   *Checkout
	Raw        json.RawMessage
}

type Pending struct {
	ProviderStatus string
	Raw            json.RawMessage
}

type Declined struct {
	Reason         string
	ProviderStatus string
	Raw            json.RawMessage
}

type TransientFailure struct {
	Cause error
}

func (Success) isResult()          {}
func (Pending) isResult()          {}
func (Declined) isResult()         {}
func (TransientFailure) isResult() {}

// Notification is an authenticated provider callback.
type Notification struct {
	ExternalRef string
	Result      Result
}

// ProviderStatus returns the raw provider state carried by r, if any.
func ProviderStatus(r Result) string {
	switch v := r.(type) {
	case Success:
		return v.ProviderStatus
	case Pending:
		return v.ProviderStatus
	case Declined:
		return v.ProviderStatus
	default:
		return ""
	}
}
