package payments

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMinor renders minor units as the two-decimal major-unit string the
// providers expect ("10000" -> "100.00").
func FormatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

// ParseMajor converts a provider amount ("100", "100.0", "100.00") to minor
// units. Amounts with sub-minor precision are rejected.
func ParseMajor(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("invalid amount %q: more than two decimals", s)
	}
	return minor.IntPart(), nil
}

// amountString normalizes an amount that a provider may send as a JSON
// number or a string.
func amountString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
