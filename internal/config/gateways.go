package config

import (
	"fmt"
	"net/http"

	"bookpay/internal/payments"
	"bookpay/internal/signing"
)

// Gateways builds the adapters that have credentials. Key material is parsed
// here, once; a malformed key is a startup error while a missing one is left
// for the adapter to report at call time.
func (c Config) Gateways(client *http.Client) ([]payments.Gateway, error) {
	var out []payments.Gateway

	if c.Telebirr.Enabled() {
		var (
			signer   signing.Signer
			verifier signing.Verifier
		)
		if c.Telebirr.PrivateKey != "" {
			s, err := signing.NewRSASigner(c.Telebirr.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("telebirr private key: %w", err)
			}
			signer = s
		}
		if c.Telebirr.PublicKey != "" {
			v, err := signing.NewRSAVerifier(c.Telebirr.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("telebirr public key: %w", err)
			}
			verifier = v
		}
		out = append(out, payments.NewTelebirrAdapter(c.Telebirr.TelebirrConfig, signer, verifier, client))
	}
	if c.Chapa.Enabled() {
		out = append(out, payments.NewChapaAdapter(c.Chapa, client))
	}
	if c.CBEBirr.Enabled() {
		out = append(out, payments.NewCBEBirrAdapter(c.CBEBirr, client))
	}
	return out, nil
}

func (c Config) Registry(client *http.Client) (*payments.Registry, error) {
	gws, err := c.Gateways(client)
	if err != nil {
		return nil, err
	}
	return payments.NewRegistry(c.Routes, gws...), nil
}
