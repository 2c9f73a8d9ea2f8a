package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("booking not found")
	ErrNotPayable = errors.New("booking is not awaiting payment")
)

// Booking is the part of a booking the payment service needs. The amount is
// always taken from here, never from the client.
type Booking struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// Payable reports whether the booking may still take a payment.
func (b Booking) Payable() bool {
	switch strings.ToLower(b.Status) {
	case "pending", "accepted", "awaiting_payment":
		return true
	}
	return false
}

type Config struct {
	BaseURL string
	// APIKey is sent as a bearer token on every call.
	APIKey  string
	Timeout time.Duration
}

func (c Config) Enabled() bool { return c.BaseURL != "" }

// Client talks to the booking service over HTTP JSON.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("decode booking response: %w", err)
		}
	}
	return res.StatusCode, nil
}

// Lookup fetches a booking. Both a bare booking and the {"data": booking}
// envelope are accepted.
func (c *Client) Lookup(ctx context.Context, bookingID string) (*Booking, error) {
	var env struct {
		Data *Booking `json:"data"`
		Booking
	}
	status, err := c.do(ctx, http.MethodGet, "/v1/bookings/"+url.PathEscape(bookingID), nil, &env)
	if err != nil {
		return nil, fmt.Errorf("lookup booking %s: %w", bookingID, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, ErrNotFound
	case status >= 300:
		return nil, fmt.Errorf("lookup booking %s: status %d", bookingID, status)
	}

	b := env.Booking
	if env.Data != nil {
		b = *env.Data
	}
	if b.ID == "" {
		b.ID = bookingID
	}
	b.Currency = strings.ToUpper(b.Currency)
	return &b, nil
}
