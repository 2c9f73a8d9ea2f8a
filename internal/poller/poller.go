package poller

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"bookpay/internal/checkout"
	"bookpay/internal/domain/transactions"
	"bookpay/internal/payments"
)

var (
	sweepsTotal   = expvar.NewInt("poller_sweeps")
	expiredTotal  = expvar.NewInt("poller_expired")
	verifiedTotal = expvar.NewInt("poller_verified")
	resolvedTotal = expvar.NewInt("poller_resolved")
	errorsTotal   = expvar.NewInt("poller_errors")
)

// Router is the part of checkout.Router the poller drives.
type Router interface {
	Verify(ctx context.Context, tx *transactions.Transaction) (checkout.VerificationResult, error)
	Expire(ctx context.Context, tx *transactions.Transaction) (*transactions.Transaction, bool, error)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// RatePerSecond and Burst bound verification calls per gateway.
	RatePerSecond float64
	Burst         int
}

// Poller resolves transactions no webhook has resolved. Any number of
// pollers may run against the same ledger.
type Poller struct {
	store  transactions.Store
	router Router
	logger *zap.SugaredLogger
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	limiters map[payments.Method]*rate.Limiter
}

type SweepStats struct {
	Expired  int `json:"expired"`
	Verified int `json:"verified"`
	Resolved int `json:"resolved"`
	Errors   int `json:"errors"`
}

func New(store transactions.Store, router Router, logger *zap.SugaredLogger, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Poller{
		store:    store,
		router:   router,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[payments.Method]*rate.Limiter),
	}
}

func (p *Poller) limiter(m payments.Method) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[m]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.RatePerSecond), p.cfg.Burst)
		p.limiters[m] = l
	}
	return l
}

// Run sweeps every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Infow("poller started", "interval", p.cfg.Interval.String(), "batch", p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("poller stopped")
			return
		case <-ticker.C:
			stats, err := p.SweepOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Errorw("sweep failed", "error", err)
				continue
			}
			if stats.Expired+stats.Resolved+stats.Errors > 0 {
				p.logger.Infow("sweep done",
					"expired", stats.Expired,
					"verified", stats.Verified,
					"resolved", stats.Resolved,
					"errors", stats.Errors,
				)
			}
		}
	}
}

// SweepOnce expires overdue transactions, then verifies one batch of pending
// ones. Per-transaction failures are counted and left for the next sweep;
// only a failure to read the ledger is returned.
func (p *Poller) SweepOnce(ctx context.Context) (SweepStats, error) {
	sweepsTotal.Add(1)
	var stats SweepStats

	expired, err := p.ExpireOverdue(ctx)
	stats.Expired = expired
	if err != nil {
		return stats, err
	}

	pending, err := p.store.ListPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list pending: %w", err)
	}

	var verified, resolved, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, tx := range pending {
		tx := tx
		g.Go(func() error {
			if err := p.limiter(tx.Gateway).Wait(gctx); err != nil {
				// only the context ends a wait
				return err
			}
			res, err := p.router.Verify(gctx, tx)
			verified.Add(1)
			if markErr := p.store.MarkPolled(gctx, tx.ID, p.now().UTC()); markErr != nil {
				p.logger.Warnw("mark polled failed", "transaction_id", tx.ID, "error", markErr)
			}
			if err != nil {
				failed.Add(1)
				p.logVerifyError(tx, err)
				return nil
			}
			if res.Applied {
				resolved.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	stats.Verified = int(verified.Load())
	stats.Resolved = int(resolved.Load())
	stats.Errors = int(failed.Load())
	verifiedTotal.Add(verified.Load())
	resolvedTotal.Add(resolved.Load())
	errorsTotal.Add(failed.Load())
	return stats, err
}

// ExpireOverdue moves every open transaction past its expiry to expired.
func (p *Poller) ExpireOverdue(ctx context.Context) (int, error) {
	n := 0
	for {
		overdue, err := p.store.ListOverdue(ctx, p.now().UTC(), p.cfg.BatchSize)
		if err != nil {
			return n, fmt.Errorf("list overdue: %w", err)
		}
		moved := 0
		for _, tx := range overdue {
			_, applied, err := p.router.Expire(ctx, tx)
			if err != nil {
				errorsTotal.Add(1)
				p.logger.Errorw("expire failed", "transaction_id", tx.ID, "error", err)
				continue
			}
			if applied {
				moved++
			}
		}
		n += moved
		expiredTotal.Add(int64(moved))

		// a short page means we are done; a page where nothing moved means
		// the rest keeps failing and will be retried next sweep
		if len(overdue) < p.cfg.BatchSize || moved == 0 {
			return n, nil
		}
	}
}

func (p *Poller) logVerifyError(tx *transactions.Transaction, err error) {
	kv := []any{"transaction_id", tx.ID, "gateway", tx.Gateway, "error", err}
	switch {
	case errors.Is(err, payments.ErrProviderTransient):
		p.logger.Warnw("verification deferred", kv...)
	case errors.Is(err, checkout.ErrAmountMismatch), errors.Is(err, payments.ErrConfiguration):
		p.logger.Errorw("verification needs attention", kv...)
	default:
		p.logger.Errorw("verification failed", kv...)
	}
}
