// Package settlement splits a confirmed gross amount into platform fee, VAT on
// the fee, withholding tax and the host payout.
package settlement

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrNegativeAmount = errors.New("settlement: gross amount must not be negative")

// Rates are expressed in basis points (1% = 100).
type Rates struct {
	PlatformFeeBps int64 `json:"platform_fee_bps"`
	VATOnFeeBps    int64 `json:"vat_on_fee_bps"`
	WithholdingBps int64 `json:"withholding_bps"`
}

// Statutory are the rates reported to the tax authority. They must not be
// changed without a matching filing change.
var Statutory = Rates{
	PlatformFeeBps: 1200,
	VATOnFeeBps:    1500,
	WithholdingBps: 200,
}

// Breakdown amounts are integer minor units.
// PlatformFee + VATOnFee + WithholdingTax + NetPayout == GrossAmount.
type Breakdown struct {
	GrossAmount    int64 `json:"gross_amount"`
	PlatformFee    int64 `json:"platform_fee"`
	VATOnFee       int64 `json:"vat_on_fee"`
	WithholdingTax int64 `json:"withholding_tax"`
	NetPayout      int64 `json:"net_payout"`
	Rates          Rates `json:"rates"`
}

// Compute applies the statutory rates to gross.
func Compute(gross int64) (Breakdown, error) {
	return Statutory.Compute(gross)
}

// Compute rounds half up once per component in the fixed order
// fee, vat, withholding; the remainder is the payout.
func (r Rates) Compute(gross int64) (Breakdown, error) {
	if gross < 0 {
		return Breakdown{}, ErrNegativeAmount
	}

	fee := percentOf(gross, r.PlatformFeeBps)
	vat := percentOf(fee, r.VATOnFeeBps)
	wht := percentOf(gross-fee, r.WithholdingBps)

	return Breakdown{
		GrossAmount:    gross,
		PlatformFee:    fee,
		VATOnFee:       vat,
		WithholdingTax: wht,
		NetPayout:      gross - fee - vat - wht,
		Rates:          r,
	}, nil
}

var tenThousand = decimal.NewFromInt(10_000)

// percentOf returns round_half_up(amount * bps / 10000). amount is never
// negative here so decimal's half-away-from-zero rounding is half up.
func percentOf(amount, bps int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(tenThousand).
		Round(0).
		IntPart()
}

// Summary aggregates breakdowns for earnings reporting.
type Summary struct {
	Count          int   `json:"count"`
	GrossAmount    int64 `json:"gross_amount"`
	PlatformFee    int64 `json:"platform_fee"`
	VATOnFee       int64 `json:"vat_on_fee"`
	WithholdingTax int64 `json:"withholding_tax"`
	NetPayout      int64 `json:"net_payout"`
}

// Summarize sums already computed breakdowns. Totals are sums of the
// persisted per-booking figures, never a recomputation over the gross total,
// so they reconcile with individual receipts.
func Summarize(items []Breakdown) Summary {
	var s Summary
	for _, b := range items {
		s.Count++
		s.GrossAmount += b.GrossAmount
		s.PlatformFee += b.PlatformFee
		s.VATOnFee += b.VATOnFee
		s.WithholdingTax += b.WithholdingTax
		s.NetPayout += b.NetPayout
	}
	return s
}
