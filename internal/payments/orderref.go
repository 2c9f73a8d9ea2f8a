package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

const (
	orderRefPrefix  = "BP"
	orderRefTagLen  = 4
	orderRefBodyLen = 16
)

// OrderRefGenerator issues the merchant order reference sent to providers.
// Refs are alphanumeric only since the wallet rejects separators:
// "BP" + 4-char tag + 16 hex chars, where the tag is an HMAC of the hex part.
type OrderRefGenerator struct {
	secret string
}

func NewOrderRefGenerator(secret string) *OrderRefGenerator {
	return &OrderRefGenerator{secret: secret}
}

func (g *OrderRefGenerator) Generate() string {
	body := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:orderRefBodyLen]
	return orderRefPrefix + g.tag(body) + body
}

// Valid reports whether ref was issued with this generator's secret.
func (g *OrderRefGenerator) Valid(ref string) bool {
	if len(ref) != len(orderRefPrefix)+orderRefTagLen+orderRefBodyLen || !strings.HasPrefix(ref, orderRefPrefix) {
		return false
	}
	tag := ref[len(orderRefPrefix) : len(orderRefPrefix)+orderRefTagLen]
	body := ref[len(orderRefPrefix)+orderRefTagLen:]
	return hmac.Equal([]byte(tag), []byte(g.tag(body)))
}

func (g *OrderRefGenerator) tag(body string) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write([]byte("order-ref|" + body))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(mac.Sum(nil))[:orderRefTagLen]
}
