package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookpay/internal/signing"
)

type TelebirrConfig struct {
	BaseURL       string // e.g. https://developerportal.ethiotelebirr.et:38443/apiaccess/payment/gateway
	CheckoutURL   string // web paygate the payer is redirected to
	FabricAppID   string
	AppSecret     string
	MerchantAppID string
	MerchantCode  string
	NotifyURL     string
	RedirectURL   string

	Production bool
	// AllowDevSigner permits the hash-only signer when no private key is
	// configured. Ignored in production.
	AllowDevSigner bool
}

func (c TelebirrConfig) Enabled() bool {
	return c.BaseURL != "" && c.FabricAppID != "" && c.AppSecret != "" && c.MerchantAppID != "" && c.MerchantCode != ""
}

// TelebirrAdapter talks to the Telebirr fabric API. Every operation runs the
// full exchange: app secret -> fabric token -> auth token -> signed call.
// Tokens are never kept between calls.
type TelebirrAdapter struct {
	cfg        TelebirrConfig
	signer     signing.Signer
	verifier   signing.Verifier
	httpClient *http.Client
	now        func() time.Time
}

// NewTelebirrAdapter accepts a nil signer or verifier; the adapter then
// refuses to run unless the dev signer is allowed outside production.
func NewTelebirrAdapter(cfg TelebirrConfig, signer signing.Signer, verifier signing.Verifier, client *http.Client) *TelebirrAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &TelebirrAdapter{
		cfg:        cfg,
		signer:     signer,
		verifier:   verifier,
		httpClient: client,
		now:        time.Now,
	}
}

func (t *TelebirrAdapter) Method() Method { return MethodTelebirr }

func (t *TelebirrAdapter) Supports(currency string) bool {
	return strings.EqualFold(currency, "ETB")
}

type telebirrEnvelope struct {
	Result     string          `json:"result"`
	Code       string          `json:"code"`
	Msg        string          `json:"msg"`
	ErrorCode  string          `json:"errorCode"`
	ErrorMsg   string          `json:"errorMsg"`
	BizContent json.RawMessage `json:"biz_content"`
}

func (e telebirrEnvelope) ok() bool { return strings.EqualFold(e.Result, "SUCCESS") }

func (e telebirrEnvelope) reason() string {
	for _, s := range []string{e.ErrorMsg, e.Msg, e.ErrorCode, e.Code} {
		if s != "" {
			return s
		}
	}
	return "rejected"
}

type telebirrSession struct {
	fabricToken string
	authToken   string
}

func (t *TelebirrAdapter) resolveSigner() (signing.Signer, error) {
	if t.signer != nil {
		return t.signer, nil
	}
	if !t.cfg.AllowDevSigner {
		return nil, configErr(MethodTelebirr, "no private key configured", signing.ErrSigning)
	}
	dev, err := signing.NewDevSigner(t.cfg.Production)
	if err != nil {
		return nil, configErr(MethodTelebirr, "no private key configured", err)
	}
	return dev, nil
}

func (t *TelebirrAdapter) resolveVerifier() (signing.Verifier, error) {
	if t.verifier != nil {
		return t.verifier, nil
	}
	if !t.cfg.AllowDevSigner {
		return nil, configErr(MethodTelebirr, "no provider public key configured", signing.ErrSigning)
	}
	dev, err := signing.NewDevSigner(t.cfg.Production)
	if err != nil {
		return nil, configErr(MethodTelebirr, "no provider public key configured", err)
	}
	return dev, nil
}

func (t *TelebirrAdapter) url(path string) string {
	return strings.TrimRight(t.cfg.BaseURL, "/") + path
}

func (t *TelebirrAdapter) header(token string) http.Header {
	h := http.Header{}
	h.Set("X-APP-Key", t.cfg.FabricAppID)
	if token != "" {
		h.Set("Authorization", token)
	}
	return h
}

// signedRequest wraps biz in the common envelope and signs it.
func (t *TelebirrAdapter) signedRequest(s signing.Signer, method string, biz map[string]any) (map[string]any, error) {
	req := map[string]any{
		"timestamp":   signing.Timestamp(t.now()),
		"nonce_str":   signing.Nonce(),
		"method":      method,
		"version":     "1.0",
		"biz_content": biz,
	}
	if err := signing.SignFields(s, req); err != nil {
		return nil, configErr(MethodTelebirr, "sign "+method, err)
	}
	return req, nil
}

// openSession runs steps one and two. On failure exactly one of the returned
// Result and error is set; nothing from a partial exchange is kept.
func (t *TelebirrAdapter) openSession(ctx context.Context, s signing.Signer) (telebirrSession, Result, error) {
	// 1) app secret -> fabric token
	resp, err := doJSON(ctx, t.httpClient, http.MethodPost, t.url("/payment/v1/token"), t.header(""),
		map[string]string{"appSecret": t.cfg.AppSecret})
	if err != nil {
		res, err := transportFailure(ctx, MethodTelebirr, fmt.Errorf("fabric token: %w", err))
		return telebirrSession{}, res, err
	}
	if resp.transient() {
		return telebirrSession{}, transientStatus(MethodTelebirr, resp, "fabric token"), nil
	}
	if resp.Status != http.StatusOK {
		return telebirrSession{}, nil, configErr(MethodTelebirr, "fabric token rejected", resp.errorf("token"))
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body, &tok); err != nil || tok.Token == "" {
		return telebirrSession{}, nil, resp.errorf("telebirr fabric token: unexpected response")
	}

	// 2) fabric token -> auth token
	body, err := t.signedRequest(s, "payment.authtoken", map[string]any{
		"access_token":  tok.Token,
		"trade_type":    "InApp",
		"appid":         t.cfg.MerchantAppID,
		"resource_type": "OpenId",
	})
	if err != nil {
		return telebirrSession{}, nil, err
	}
	resp, err = doJSON(ctx, t.httpClient, http.MethodPost, t.url("/payment/v1/auth/authToken"), t.header(tok.Token), body)
	if err != nil {
		res, err := transportFailure(ctx, MethodTelebirr, fmt.Errorf("auth token: %w", err))
		return telebirrSession{}, res, err
	}
	if resp.transient() {
		return telebirrSession{}, transientStatus(MethodTelebirr, resp, "auth token"), nil
	}
	var env telebirrEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return telebirrSession{}, nil, resp.errorf("telebirr auth token: decode: %v", err)
	}
	if resp.Status != http.StatusOK || !env.ok() {
		return telebirrSession{}, nil, configErr(MethodTelebirr, "auth token rejected: "+env.reason(), nil)
	}
	var auth struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(env.BizContent, &auth); err != nil || auth.AccessToken == "" {
		return telebirrSession{}, nil, resp.errorf("telebirr auth token: missing access_token")
	}

	return telebirrSession{fabricToken: tok.Token, authToken: auth.AccessToken}, nil, nil
}

// call runs step three against path with the session's auth token.
func (t *TelebirrAdapter) call(ctx context.Context, s signing.Signer, sess telebirrSession, path, method string, biz map[string]any) (telebirrEnvelope, providerResponse, Result, error) {
	body, err := t.signedRequest(s, method, biz)
	if err != nil {
		return telebirrEnvelope{}, providerResponse{}, nil, err
	}
	resp, err := doJSON(ctx, t.httpClient, http.MethodPost, t.url(path), t.header(sess.authToken), body)
	if err != nil {
		res, err := transportFailure(ctx, MethodTelebirr, fmt.Errorf("%s: %w", method, err))
		return telebirrEnvelope{}, resp, res, err
	}
	if resp.transient() {
		return telebirrEnvelope{}, resp, transientStatus(MethodTelebirr, resp, method), nil
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return telebirrEnvelope{}, resp, nil, configErr(MethodTelebirr, method+" unauthorized", resp.errorf("%s", method))
	}
	var env telebirrEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return telebirrEnvelope{}, resp, nil, resp.errorf("telebirr %s: decode: %v", method, err)
	}
	return env, resp, nil, nil
}

func (t *TelebirrAdapter) Initiate(ctx context.Context, req InitiateRequest) (Result, error) {
	s, err := t.resolveSigner()
	if err != nil {
		return nil, err
	}
	sess, failed, err := t.openSession(ctx, s)
	if failed != nil || err != nil {
		return failed, err
	}

	title := req.Title
	if title == "" {
		title = "Booking " + req.OrderRef
	}
	env, resp, failed, err := t.call(ctx, s, sess, "/payment/v1/merchant/preOrder", "payment.preorder", map[string]any{
		"notify_url":      t.cfg.NotifyURL,
		"appid":           t.cfg.MerchantAppID,
		"merch_code":      t.cfg.MerchantCode,
		"merch_order_id":  req.OrderRef,
		"trade_type":      "Checkout",
		"title":           title,
		"total_amount":    FormatMinor(req.Amount),
		"trans_currency":  strings.ToUpper(req.Currency),
		"timeout_express": "30m",
		"business_type":   "BuyGoods",
		"redirect_url":    t.cfg.RedirectURL,
		"callback_info":   req.TransactionID,
	})
	if failed != nil || err != nil {
		return failed, err
	}
	if !env.ok() {
		return Declined{Reason: env.reason(), ProviderStatus: env.ErrorCode, Raw: resp.Body}, nil
	}

	var biz struct {
		PrepayID string `json:"prepay_id"`
	}
	if err := json.Unmarshal(env.BizContent, &biz); err != nil || biz.PrepayID == "" {
		return nil, resp.errorf("telebirr preorder: missing prepay_id")
	}

	checkoutURL, err := t.checkoutURL(s, biz.PrepayID)
	if err != nil {
		return nil, err
	}

	return Success{
		ExternalRef:    req.OrderRef,
		ProviderStatus: "CREATED",
		Checkout: &Checkout{
			URL:    checkoutURL,
			Method: http.MethodGet,
			Fields: map[string]string{"prepay_id": biz.PrepayID},
		},
		Raw: resp.Body,
	}, nil
}

func (t *TelebirrAdapter) checkoutURL(s signing.Signer, prepayID string) (string, error) {
	fields := map[string]any{
		"appid":      t.cfg.MerchantAppID,
		"merch_code": t.cfg.MerchantCode,
		"nonce_str":  signing.Nonce(),
		"prepay_id":  prepayID,
		"timestamp":  signing.Timestamp(t.now()),
	}
	if err := signing.SignFields(s, fields); err != nil {
		return "", configErr(MethodTelebirr, "sign checkout url", err)
	}
	q := url.Values{}
	for k, v := range fields {
		q.Set(k, fmt.Sprint(v))
	}
	q.Set("version", "1.0")
	q.Set("trade_type", "Checkout")
	return t.cfg.CheckoutURL + "?" + q.Encode(), nil
}

func (t *TelebirrAdapter) Verify(ctx context.Context, req VerifyRequest) (Result, error) {
	if strings.TrimSpace(req.ExternalRef) == "" {
		return nil, errors.New("telebirr verify requires merch_order_id")
	}
	s, err := t.resolveSigner()
	if err != nil {
		return nil, err
	}
	sess, failed, err := t.openSession(ctx, s)
	if failed != nil || err != nil {
		return failed, err
	}

	env, resp, failed, err := t.call(ctx, s, sess, "/payment/v1/merchant/queryOrder", "payment.queryorder", map[string]any{
		"appid":          t.cfg.MerchantAppID,
		"merch_code":     t.cfg.MerchantCode,
		"merch_order_id": req.ExternalRef,
	})
	if failed != nil || err != nil {
		return failed, err
	}
	if !env.ok() {
		// The order may not be visible yet; expiry settles it if it never is.
		return Pending{ProviderStatus: env.reason(), Raw: resp.Body}, nil
	}

	var biz struct {
		OrderStatus string `json:"order_status"`
		TotalAmount string `json:"total_amount"`
		PaymentID   string `json:"payment_order_id"`
	}
	if err := json.Unmarshal(env.BizContent, &biz); err != nil {
		return nil, resp.errorf("telebirr queryorder: decode biz_content: %v", err)
	}
	return telebirrOutcome(req.ExternalRef, biz.OrderStatus, biz.TotalAmount, resp.Body), nil
}

func telebirrOutcome(ref, status, amount string, raw []byte) Result {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAY_SUCCESS", "COMPLETED", "SUCCESS":
		paid, _ := ParseMajor(amount)
		return Success{ExternalRef: ref, ProviderStatus: status, PaidAmount: paid, Raw: raw}
	case "PAY_FAILED", "FAILURE", "FAILED", "ORDER_CLOSED", "CANCELED", "CANCELLED", "EXPIRED":
		return Declined{Reason: strings.ToLower(status), ProviderStatus: status, Raw: raw}
	default:
		// WAIT_PAY, PAYING, ACCEPTED and anything unknown: check again later
		return Pending{ProviderStatus: status, Raw: raw}
	}
}

func (t *TelebirrAdapter) ParseNotification(ctx context.Context, header http.Header, body []byte) (Notification, error) {
	v, err := t.resolveVerifier()
	if err != nil {
		return Notification{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Notification{}, fmt.Errorf("telebirr notify: decode: %w", err)
	}

	sig, _ := fields["sign"].(string)
	if sig == "" {
		return Notification{}, fmt.Errorf("telebirr notify: %w: missing sign", ErrInvalidSignature)
	}
	if err := signing.VerifyString(v, signing.Canonicalize(fields), sig); err != nil {
		return Notification{}, fmt.Errorf("telebirr notify: %w: %v", ErrInvalidSignature, err)
	}

	ref := fmt.Sprint(fields["merch_order_id"])
	if ref == "" || ref == "<nil>" {
		return Notification{}, errors.New("telebirr notify: missing merch_order_id")
	}
	status := fmt.Sprint(fields["trade_status"])
	amount := fmt.Sprint(fields["total_amount"])

	return Notification{
		ExternalRef: ref,
		Result:      telebirrOutcome(ref, status, amount, body),
	}, nil
}
