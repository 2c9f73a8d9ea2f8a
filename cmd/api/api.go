package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"bookpay/internal/auth"
	"bookpay/internal/checkout"
	"bookpay/internal/config"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/poller"
	"bookpay/internal/ratelimiter"
)

type application struct {
	config        config.Config
	logger        *zap.SugaredLogger
	ledger        transactions.Store
	registry      *payments.Registry
	router        *checkout.Router
	poller        *poller.Poller
	dispatcher    *events.Dispatcher
	authenticator auth.Authenticator
	rateLimiter   ratelimiter.Limiter
}

func (app *application) mount() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	//Set a timeout value on the request context (ctx), that will signal through ctx.Done() that the request has timed out and further processing should be stopped
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", app.healthCheckHandler)
		r.With(app.BasicAuthMiddleware()).Get("/debug/vars", expvar.Handler().ServeHTTP)

		r.Route("/payments", func(r chi.Router) {
			// providers authenticate with signatures, not tokens
			r.Post("/webhooks/{method}", app.paymentWebhookHandler)

			r.Group(func(r chi.Router) {
				r.Use(app.AuthTokenMiddleware)
				r.With(app.RateLimiterMiddleware).Post("/", app.createPaymentHandler)
				r.Get("/{paymentID}", app.getPaymentHandler)
				r.Post("/{paymentID}/cancel", app.cancelPaymentHandler)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(app.BasicAuthMiddleware())
			r.Get("/settlements", app.adminListSettlementsHandler)
			r.Get("/settlements/summary", app.adminSettlementSummaryHandler)
			r.Route("/payments/{paymentID}", func(r chi.Router) {
				r.Get("/", app.adminGetPaymentHandler)
				r.Get("/settlement", app.adminGetSettlementHandler)
				r.Post("/verify", app.adminVerifyPaymentHandler)
			})
		})
	})

	return r
}

func (app *application) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"status":   "ok",
		"env":      app.config.Env,
		"version":  version,
		"gateways": app.registry.Methods(),
	}
	if err := app.jsonResponse(w, http.StatusOK, data); err != nil {
		app.internalServerError(w, r, err)
	}
}

func (app *application) run(mux http.Handler) error {
	srv := &http.Server{
		Addr:         app.config.Addr,
		Handler:      mux,
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 10,
		IdleTimeout:  time.Minute,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	background := app.startBackground(bgCtx)

	// Implementing graceful shutdown
	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		app.logger.Infow("signal caught", "signal", s.String())

		stopBackground()
		shutdown <- srv.Shutdown(ctx)
	}()

	app.logger.Infow("server has started", "addr", app.config.Addr, "env", app.config.Env)

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	err = <-shutdown
	if err != nil {
		return err
	}

	if err := background.Wait(); err != nil {
		return err
	}

	app.logger.Infow("server has stopped", "addr", app.config.Addr, "env", app.config.Env)

	return nil
}
