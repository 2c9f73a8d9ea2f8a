package signing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// excluded from the signed string
var unsignedFields = map[string]bool{
	"sign":      true,
	"sign_type": true,
}

// Canonicalize builds the string that gets signed: nested objects under
// biz_content are lifted to the top level, sign/sign_type and empty values
// are dropped, keys are sorted and joined as k=v pairs with '&'.
func Canonicalize(fields map[string]any) string {
	flat := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == "biz_content" {
			if nested, ok := v.(map[string]any); ok {
				for nk, nv := range nested {
					flat[nk] = stringify(nv)
				}
				continue
			}
			if nested, ok := v.(map[string]string); ok {
				for nk, nv := range nested {
					flat[nk] = nv
				}
				continue
			}
		}
		flat[k] = stringify(v)
	}

	keys := make([]string, 0, len(flat))
	for k, v := range flat {
		if unsignedFields[k] || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(flat[k])
	}
	return b.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Timestamp returns the millisecond epoch as a string, the format the
// signed-request providers expect.
func Timestamp(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// Nonce returns a 32 character random token for nonce_str.
func Nonce() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// SignFields canonicalizes fields, signs them and sets sign and sign_type in
// place.
func SignFields(s Signer, fields map[string]any) error {
	sig, err := SignString(s, Canonicalize(fields))
	if err != nil {
		return err
	}
	fields["sign"] = sig
	fields["sign_type"] = s.Algorithm()
	return nil
}
