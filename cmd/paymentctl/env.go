package main

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bookpay/internal/booking"
	"bookpay/internal/checkout"
	"bookpay/internal/config"
	"bookpay/internal/db"
	"bookpay/internal/domain/storage"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/payments"
	"bookpay/internal/poller"
)

// env is everything a command may need. Commands that only compute do not
// open one.
type env struct {
	cfg       config.Config
	logger    *zap.SugaredLogger
	pool      *pgxpool.Pool
	container *storage.Container
	ledger    transactions.Store
}

func newLogger() *zap.SugaredLogger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
	return zap.New(core).Sugar()
}

func openEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	pool, err := db.New(cfg.DB)
	if err != nil {
		return nil, err
	}

	container := storage.NewContainer(pool)
	return &env{
		cfg:       cfg,
		logger:    newLogger(),
		pool:      pool,
		container: container,
		ledger:    container.Ledger(),
	}, nil
}

func (e *env) Close() {
	_ = e.logger.Sync()
	e.pool.Close()
}

func (e *env) router() (*checkout.Router, error) {
	registry, err := e.cfg.Registry(&http.Client{Timeout: 20 * time.Second})
	if err != nil {
		return nil, err
	}
	opts := checkout.Options{
		OrderRefs: payments.NewOrderRefGenerator(e.cfg.OrderRefSecret),
		Expiry:    e.cfg.PaymentExpiry,
	}
	if e.cfg.Booking.Enabled() {
		opts.Bookings = booking.NewClient(e.cfg.Booking, nil)
	}
	return checkout.NewRouter(registry, e.ledger, e.logger, opts), nil
}

func (e *env) poller() (*poller.Poller, error) {
	router, err := e.router()
	if err != nil {
		return nil, err
	}
	return poller.New(e.ledger, router, e.logger, poller.Config{
		BatchSize:     e.cfg.Poller.BatchSize,
		Concurrency:   e.cfg.Poller.Concurrency,
		RatePerSecond: e.cfg.Poller.RatePerSecond,
		Burst:         e.cfg.Poller.Burst,
	}), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
