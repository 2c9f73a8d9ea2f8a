package events

import (
	"context"
	"expvar"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	dispatchedTotal = expvar.NewInt("outbox_published")
	dispatchErrors  = expvar.NewInt("outbox_errors")
)

// Dispatcher drains the outbox into a Publisher. Delivery is at least once:
// an event is marked published only after Publish returns nil.
type Dispatcher struct {
	Outbox       Outbox
	Publisher    Publisher
	Logger       *zap.SugaredLogger
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Now          func() time.Time
}

func (d *Dispatcher) defaults() {
	if d.PollInterval <= 0 {
		d.PollInterval = 2 * time.Second
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 50
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 20
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	d.defaults()
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.Logger.Errorw("outbox dispatch failed", "error", err)
			}
		}
	}
}

// DispatchOnce publishes one batch and returns how many events were delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	d.defaults()

	batch, err := d.Outbox.FindUnpublished(ctx, d.BatchSize, d.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}

	sent := 0
	for _, evt := range batch {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		if err := d.Publisher.Publish(ctx, evt); err != nil {
			dispatchErrors.Add(1)
			d.Logger.Warnw("event delivery failed",
				"event_id", evt.ID, "type", evt.Type, "transaction_id", evt.TransactionID,
				"attempt", evt.Attempts+1, "error", err)
			if err := d.Outbox.MarkFailed(ctx, evt.ID, err.Error()); err != nil {
				d.Logger.Errorw("record delivery failure", "event_id", evt.ID, "error", err)
			}
			continue
		}

		if err := d.Outbox.MarkPublished(ctx, evt.ID, d.Now().UTC()); err != nil {
			// delivered but not marked: it will be sent again
			d.Logger.Errorw("mark event published", "event_id", evt.ID, "error", err)
			continue
		}
		dispatchedTotal.Add(1)
		sent++
	}
	return sent, nil
}
