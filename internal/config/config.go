package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bookpay/internal/booking"
	"bookpay/internal/db"
	"bookpay/internal/payments"
	"bookpay/internal/ratelimiter"
)

type Config struct {
	Addr        string
	Env         string
	ExternalURL string

	DB          db.Config
	Auth        AuthConfig
	RateLimiter ratelimiter.Config
	Poller      PollerConfig
	Dispatcher  DispatcherConfig
	Booking     booking.Config

	// PaymentExpiry is how long a transaction may stay open before the
	// poller expires it.
	PaymentExpiry  time.Duration
	// OrderRefSecret keys the tag on merchant order refs; callbacks for refs
	// without a valid tag are dropped.
	OrderRefSecret string
	// Routes maps currency to the default gateway. nil means
	// payments.DefaultRoutes.
	Routes map[string]payments.Method

	Telebirr TelebirrConfig
	Chapa    payments.ChapaConfig
	CBEBirr  payments.CBEBirrConfig
}

type AuthConfig struct {
	BasicUser   string
	BasicPass   string
	TokenSecret string
	TokenAud    string
	TokenIss    string
}

type PollerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// RatePerSecond and Burst throttle verification calls per gateway.
	RatePerSecond float64
	Burst         int
}

type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// TelebirrConfig adds key material to the adapter settings. Keys are PEM or
// bare base64 DER.
type TelebirrConfig struct {
	payments.TelebirrConfig
	PrivateKey string
	PublicKey  string
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads .env when present and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:        envString("ADDR", ":8080"),
		Env:         envString("APP_ENV", "development"),
		ExternalURL: os.Getenv("EXTERNAL_URL"),
		DB: db.Config{
			Addr:        os.Getenv("DB_ADDR"),
			MaxConns:    int32(envInt("DB_MAX_OPEN_CONNS", 20)),
			MaxIdleTime: envString("DB_MAX_IDLE_TIME", "15m"),
			AppName:     "bookpay",
		},
		Auth: AuthConfig{
			BasicUser:   os.Getenv("AUTH_BASIC_USER"),
			BasicPass:   os.Getenv("AUTH_BASIC_PASS"),
			TokenSecret: os.Getenv("AUTH_TOKEN_SECRET"),
			TokenAud:    envString("AUTH_TOKEN_AUD", "bookpay"),
			TokenIss:    envString("AUTH_TOKEN_ISS", "bookpay"),
		},
		RateLimiter: ratelimiter.Config{
			RequestsPerTimeFrame: envInt("RATELIMITER_REQUESTS_COUNT", 20),
			TimeFrame:            envDuration("RATELIMITER_TIME_FRAME", time.Minute),
			Enabled:              envBool("RATE_LIMITER_ENABLED", true),
		},
		Poller: PollerConfig{
			Interval:      envDuration("POLL_INTERVAL", 3*time.Second),
			BatchSize:     envInt("POLL_BATCH_SIZE", 100),
			Concurrency:   envInt("POLL_CONCURRENCY", 8),
			RatePerSecond: envFloat("POLL_RATE_PER_GATEWAY", 5),
			Burst:         envInt("POLL_BURST", 5),
		},
		Dispatcher: DispatcherConfig{
			Interval:    envDuration("OUTBOX_INTERVAL", 2*time.Second),
			BatchSize:   envInt("OUTBOX_BATCH_SIZE", 50),
			MaxAttempts: envInt("OUTBOX_MAX_ATTEMPTS", 20),
		},
		Booking: booking.Config{
			BaseURL: os.Getenv("BOOKING_SERVICE_URL"),
			APIKey:  os.Getenv("BOOKING_SERVICE_KEY"),
			Timeout: envDuration("BOOKING_SERVICE_TIMEOUT", 8*time.Second),
		},
		PaymentExpiry:  envDuration("PAYMENT_EXPIRY", 30*time.Minute),
		OrderRefSecret: os.Getenv("ORDER_REF_SECRET"),
		Chapa: payments.ChapaConfig{
			BaseURL:       envString("CHAPA_BASE_URL", "https://api.chapa.co"),
			SecretKey:     os.Getenv("CHAPA_SECRET_KEY"),
			WebhookSecret: os.Getenv("CHAPA_WEBHOOK_SECRET"),
			CallbackURL:   os.Getenv("CHAPA_CALLBACK_URL"),
			ReturnURL:     os.Getenv("CHAPA_RETURN_URL"),
			Currencies:    envList("CHAPA_CURRENCIES"),
		},
		CBEBirr: payments.CBEBirrConfig{
			BaseURL:     os.Getenv("CBEBIRR_BASE_URL"),
			MerchantID:  os.Getenv("CBEBIRR_MERCHANT_ID"),
			SecretKey:   os.Getenv("CBEBIRR_SECRET_KEY"),
			CallbackURL: os.Getenv("CBEBIRR_CALLBACK_URL"),
			ReturnURL:   os.Getenv("CBEBIRR_RETURN_URL"),
		},
	}

	cfg.Telebirr = TelebirrConfig{
		TelebirrConfig: payments.TelebirrConfig{
			BaseURL:        os.Getenv("TELEBIRR_BASE_URL"),
			CheckoutURL:    os.Getenv("TELEBIRR_CHECKOUT_URL"),
			FabricAppID:    os.Getenv("TELEBIRR_FABRIC_APP_ID"),
			AppSecret:      os.Getenv("TELEBIRR_APP_SECRET"),
			MerchantAppID:  os.Getenv("TELEBIRR_MERCHANT_APP_ID"),
			MerchantCode:   os.Getenv("TELEBIRR_MERCHANT_CODE"),
			NotifyURL:      os.Getenv("TELEBIRR_NOTIFY_URL"),
			RedirectURL:    os.Getenv("TELEBIRR_REDIRECT_URL"),
			Production:     cfg.Production(),
			AllowDevSigner: envBool("TELEBIRR_ALLOW_DEV_SIGNER", false),
		},
		PrivateKey: os.Getenv("TELEBIRR_PRIVATE_KEY"),
		PublicKey:  os.Getenv("TELEBIRR_PUBLIC_KEY"),
	}

	if path := os.Getenv("PAYMENT_ROUTES_FILE"); path != "" {
		routes, err := LoadRoutes(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Routes = routes
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot run with. Gateway credentials
// are not checked here: a gateway without them is simply not registered.
func (c Config) Validate() error {
	var errs []error
	if c.PaymentExpiry <= 0 {
		errs = append(errs, errors.New("PAYMENT_EXPIRY must be positive"))
	}
	if c.Poller.Interval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.Production() {
		if c.Auth.TokenSecret == "" {
			errs = append(errs, errors.New("AUTH_TOKEN_SECRET is required in production"))
		}
		if c.OrderRefSecret == "" {
			errs = append(errs, errors.New("ORDER_REF_SECRET is required in production"))
		}
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, defaulting to %d", key, v, def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("invalid %s=%q, defaulting to %g", key, v, def)
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("invalid %s=%q, defaulting to %t", key, v, def)
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, defaulting to %s", key, v, def)
		return def
	}
	return d
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}
