package payments

import (
	"fmt"
	"strings"
)

// Registry holds the adapters that have credentials. It is built once at
// startup and only read afterwards.
type Registry struct {
	gateways map[Method]Gateway
	// currency -> method; "*" is the fallback for any other currency
	defaults map[string]Method
}

// DefaultRoutes sends the domestic currency to the wallet and everything
// else to the card processor.
func DefaultRoutes() map[string]Method {
	return map[string]Method{
		"ETB": MethodTelebirr,
		"*":   MethodChapa,
	}
}

func NewRegistry(routes map[string]Method, gateways ...Gateway) *Registry {
	if routes == nil {
		routes = DefaultRoutes()
	}
	r := &Registry{
		gateways: make(map[Method]Gateway, len(gateways)),
		defaults: make(map[string]Method, len(routes)),
	}
	for cur, m := range routes {
		r.defaults[strings.ToUpper(cur)] = m
	}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

// Get returns the adapter for m or a ConfigurationError when it has no
// credentials.
func (r *Registry) Get(m Method) (Gateway, error) {
	g, ok := r.gateways[m]
	if !ok {
		return nil, configErr(m, "gateway not configured", nil)
	}
	return g, nil
}

// Select picks the adapter for a payment: the requested method when given,
// the currency default otherwise. It never falls back to another provider.
func (r *Registry) Select(requested Method, currency string) (Gateway, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))

	m := requested
	if m == "" {
		var ok bool
		if m, ok = r.defaults[currency]; !ok {
			if m, ok = r.defaults["*"]; !ok {
				return nil, configErr("", fmt.Sprintf("no default gateway for currency %q", currency), nil)
			}
		}
	}

	g, err := r.Get(m)
	if err != nil {
		return nil, err
	}
	if !g.Supports(currency) {
		return nil, configErr(m, fmt.Sprintf("currency %q not supported", currency), nil)
	}
	return g, nil
}

func (r *Registry) Methods() []Method {
	out := make([]Method, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	return out
}
