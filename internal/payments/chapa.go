package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type ChapaConfig struct {
	BaseURL       string // https://api.chapa.co
	SecretKey     string
	WebhookSecret string
	CallbackURL   string
	ReturnURL     string
	Currencies    []string
}

func (c ChapaConfig) Enabled() bool {
	return c.BaseURL != "" && c.SecretKey != "" && c.WebhookSecret != ""
}

// ChapaAdapter is the hosted card checkout used for foreign currency.
type ChapaAdapter struct {
	cfg        ChapaConfig
	currencies map[string]bool
	httpClient *http.Client
}

func NewChapaAdapter(cfg ChapaConfig, client *http.Client) *ChapaAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = []string{"ETB", "USD"}
	}
	cur := make(map[string]bool, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		cur[strings.ToUpper(c)] = true
	}
	return &ChapaAdapter{cfg: cfg, currencies: cur, httpClient: client}
}

func (c *ChapaAdapter) Method() Method { return MethodChapa }

func (c *ChapaAdapter) Supports(currency string) bool {
	return c.currencies[strings.ToUpper(currency)]
}

func (c *ChapaAdapter) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	return h
}

func (c *ChapaAdapter) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *ChapaAdapter) Initiate(ctx context.Context, req InitiateRequest) (Result, error) {
	first, last := splitName(req.PayerName)
	payload := map[string]any{
		"amount":       FormatMinor(req.Amount),
		"currency":     strings.ToUpper(req.Currency),
		"tx_ref":       req.OrderRef,
		"callback_url": c.cfg.CallbackURL,
		"return_url":   c.cfg.ReturnURL,
		"customization": map[string]string{
			"title": "Booking payment",
		},
	}
	if req.PayerEmail != "" {
		payload["email"] = req.PayerEmail
	}
	if first != "" {
		payload["first_name"] = first
		payload["last_name"] = last
	}
	if req.PayerPhone != "" {
		payload["phone_number"] = req.PayerPhone
	}

	resp, err := doJSON(ctx, c.httpClient, http.MethodPost, c.url("/v1/transaction/initialize"), c.header(), payload)
	if err != nil {
		return transportFailure(ctx, MethodChapa, fmt.Errorf("initialize: %w", err))
	}
	if resp.transient() {
		return transientStatus(MethodChapa, resp, "initialize"), nil
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return nil, configErr(MethodChapa, "secret key rejected", resp.errorf("initialize"))
	}

	var res struct {
		Status  string          `json:"status"`
		Message json.RawMessage `json:"message"`
		Data    struct {
			CheckoutURL string `json:"checkout_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, resp.errorf("chapa initialize: decode: %v", err)
	}

	// 4xx with a readable body is a business rejection (bad amount, currency...)
	if resp.Status >= 400 || !strings.EqualFold(res.Status, "success") {
		return Declined{Reason: chapaMessage(res.Message), ProviderStatus: res.Status, Raw: resp.Body}, nil
	}
	if res.Data.CheckoutURL == "" {
		return nil, resp.errorf("chapa initialize: missing checkout_url")
	}

	return Success{
		ExternalRef:    req.OrderRef,
		ProviderStatus: "created",
		Checkout:       &Checkout{URL: res.Data.CheckoutURL, Method: http.MethodGet},
		Raw:            resp.Body,
	}, nil
}

func (c *ChapaAdapter) Verify(ctx context.Context, req VerifyRequest) (Result, error) {
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" {
		return nil, errors.New("chapa verify requires tx_ref")
	}

	resp, err := doJSON(ctx, c.httpClient, http.MethodGet, c.url("/v1/transaction/verify/"+url.PathEscape(ref)), c.header(), nil)
	if err != nil {
		return transportFailure(ctx, MethodChapa, fmt.Errorf("verify: %w", err))
	}
	if resp.transient() {
		return transientStatus(MethodChapa, resp, "verify"), nil
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return nil, configErr(MethodChapa, "secret key rejected", resp.errorf("verify"))
	}

	var res struct {
		Status  string          `json:"status"`
		Message json.RawMessage `json:"message"`
		Data    *struct {
			Status   string `json:"status"`
			Amount   any    `json:"amount"`
			Currency string `json:"currency"`
			TxRef    string `json:"tx_ref"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, resp.errorf("chapa verify: decode: %v", err)
	}

	// Chapa answers 400/404 until the payer has opened the checkout.
	if res.Data == nil {
		return Pending{ProviderStatus: chapaMessage(res.Message), Raw: resp.Body}, nil
	}
	return chapaOutcome(ref, res.Data.Status, amountString(res.Data.Amount), resp.Body), nil
}

func chapaOutcome(ref, status, amount string, raw []byte) Result {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success":
		paid, _ := ParseMajor(amount)
		return Success{ExternalRef: ref, ProviderStatus: status, PaidAmount: paid, Raw: raw}
	case "failed", "cancelled", "canceled", "reversed":
		return Declined{Reason: strings.ToLower(status), ProviderStatus: status, Raw: raw}
	default:
		return Pending{ProviderStatus: status, Raw: raw}
	}
}

// ParseNotification checks the HMAC-SHA256 hex digest of the raw body.
func (c *ChapaAdapter) ParseNotification(ctx context.Context, header http.Header, body []byte) (Notification, error) {
	got := header.Get("X-Chapa-Signature")
	if got == "" {
		got = header.Get("Chapa-Signature")
	}
	if got == "" {
		return Notification{}, fmt.Errorf("chapa webhook: %w: missing signature", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(got)))) {
		return Notification{}, fmt.Errorf("chapa webhook: %w", ErrInvalidSignature)
	}

	var p struct {
		Event  string `json:"event"`
		TxRef  string `json:"tx_ref"`
		Status string `json:"status"`
		Amount any    `json:"amount"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Notification{}, fmt.Errorf("chapa webhook: decode: %w", err)
	}
	if p.TxRef == "" {
		return Notification{}, errors.New("chapa webhook: missing tx_ref")
	}
	return Notification{
		ExternalRef: p.TxRef,
		Result:      chapaOutcome(p.TxRef, p.Status, amountString(p.Amount), body),
	}, nil
}

// chapaMessage flattens message, which is a string or a field->errors map.
func chapaMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return "rejected"
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
