package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bookpay/internal/booking"
	"bookpay/internal/db"
	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/settlement"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := db.Migrate(ctx, e.pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue payments and verify open ones once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.poller()
			if err != nil {
				return err
			}
			stats, err := p.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire open payments past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.poller()
			if err != nil {
				return err
			}
			n, err := p.ExpireOverdue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d payment(s)\n", n)
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [transaction-id]",
		Short: "Ask the provider for a payment's outcome and apply it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			router, err := e.router()
			if err != nil {
				return err
			}
			res, err := router.VerifyByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver pending outbox events to the booking service once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if !e.cfg.Booking.Enabled() {
				return errors.New("BOOKING_SERVICE_URL is not set")
			}
			bus := events.NewBus()
			booking.NewClient(e.cfg.Booking, nil).Subscribe(bus)

			batch, _ := cmd.Flags().GetInt("batch")
			d := &events.Dispatcher{
				Outbox:      e.container.Outbox,
				Publisher:   bus,
				Logger:      e.logger,
				BatchSize:   batch,
				MaxAttempts: e.cfg.Dispatcher.MaxAttempts,
			}
			n, err := d.DispatchOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d event(s)\n", n)
			return nil
		},
	}

	cmd.Flags().IntP("batch", "n", 100, "Maximum events to deliver")

	return cmd
}

func settleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle [gross]",
		Short: "Preview the settlement breakdown of a gross amount",
		Long: `Preview the settlement breakdown of a gross amount.

The amount is in major units ("100.00") unless --minor is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minor, _ := cmd.Flags().GetBool("minor")

			var (
				gross int64
				err   error
			)
			if minor {
				_, err = fmt.Sscan(args[0], &gross)
			} else {
				gross, err = payments.ParseMajor(args[0])
			}
			if err != nil {
				return fmt.Errorf("invalid gross amount %q: %w", args[0], err)
			}

			b, err := settlement.Compute(gross)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}

	cmd.Flags().Bool("minor", false, "Treat the amount as minor units")

	return cmd
}
