package main

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// startBackground runs the verification poller and the outbox dispatcher
// until ctx is cancelled.
func (app *application) startBackground(ctx context.Context) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)

	if app.poller != nil {
		g.Go(func() error {
			app.poller.Run(ctx)
			return nil
		})
	}
	if app.dispatcher != nil {
		g.Go(func() error {
			app.dispatcher.Run(ctx)
			return nil
		})
	}
	return g
}
