package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bookpay/internal/auth"
	"bookpay/internal/booking"
	"bookpay/internal/checkout"
	"bookpay/internal/config"
	"bookpay/internal/db"
	"bookpay/internal/domain/storage"
	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/poller"
	"bookpay/internal/ratelimiter"
)

// NewLogger creates a new zap logger. Development logs are colored console
// lines; production logs are JSON.
func NewLogger(production bool) (*zap.SugaredLogger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if production {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder // This adds color to log levels (INFO, WARN, ERROR)
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	level := zapcore.InfoLevel

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout)), level)

	logger := zap.New(core)

	return logger.Sugar(), nil
}

var version = "0.4.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	// Logger
	logger, err := NewLogger(cfg.Production())
	if err != nil {
		fmt.Println("Error creating logger:", err)
		return
	}
	defer logger.Sync()

	// Database
	pool, err := db.New(cfg.DB)
	if err != nil {
		logger.Fatal(err)
	}
	defer pool.Close()
	logger.Info("database connection pool established")

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx, pool)
	cancel()
	if err != nil {
		logger.Fatal(err)
	}

	//storage
	container := storage.NewContainer(pool)
	ledger := container.Ledger()

	// Gateways share one client; each call is also bounded by the router's context.
	httpClient := &http.Client{Timeout: 20 * time.Second}
	registry, err := cfg.Registry(httpClient)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infow("payment gateways registered", "methods", registry.Methods())

	opts := checkout.Options{
		OrderRefs: payments.NewOrderRefGenerator(cfg.OrderRefSecret),
		Expiry:    cfg.PaymentExpiry,
	}

	bus := events.NewBus()
	if cfg.Booking.Enabled() {
		bookings := booking.NewClient(cfg.Booking, nil)
		opts.Bookings = bookings
		bookings.Subscribe(bus)
	} else {
		logger.Warn("BOOKING_SERVICE_URL not set, payment events are only logged")
		bus.SubscribeAll(func(_ context.Context, evt events.Event) error {
			logger.Infow("payment event", "type", evt.Type, "transaction_id", evt.TransactionID)
			return nil
		})
	}

	router := checkout.NewRouter(registry, ledger, logger, opts)

	paymentPoller := poller.New(ledger, router, logger, poller.Config{
		Interval:      cfg.Poller.Interval,
		BatchSize:     cfg.Poller.BatchSize,
		Concurrency:   cfg.Poller.Concurrency,
		RatePerSecond: cfg.Poller.RatePerSecond,
		Burst:         cfg.Poller.Burst,
	})

	dispatcher := &events.Dispatcher{
		Outbox:       container.Outbox,
		Publisher:    bus,
		Logger:       logger,
		PollInterval: cfg.Dispatcher.Interval,
		BatchSize:    cfg.Dispatcher.BatchSize,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
	}

	// Rate limiter
	rateLimiter := ratelimiter.NewFixedWindowLimiter(
		cfg.RateLimiter.RequestsPerTimeFrame,
		cfg.RateLimiter.TimeFrame,
	)

	// Authenticator
	jwtAuthenticator := auth.NewJWTAuthenticator(
		cfg.Auth.TokenSecret,
		cfg.Auth.TokenAud,
		cfg.Auth.TokenIss,
	)

	app := &application{
		config:        cfg,
		logger:        logger,
		ledger:        ledger,
		registry:      registry,
		router:        router,
		poller:        paymentPoller,
		dispatcher:    dispatcher,
		authenticator: jwtAuthenticator,
		rateLimiter:   rateLimiter,
	}

	//Metrics collected http://localhost:8080/v1/debug/vars
	expvar.NewString("version").Set(version)
	expvar.Publish("database", expvar.Func(func() any {
		s := pool.Stat()
		return map[string]any{
			"total_conns":    s.TotalConns(),
			"idle_conns":     s.IdleConns(),
			"acquired_conns": s.AcquiredConns(),
			"max_conns":      s.MaxConns(),
		}
	}))
	expvar.Publish("goroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	mux := app.mount()

	logger.Fatal(app.run(mux))
}
