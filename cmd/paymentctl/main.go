// Command paymentctl runs one-off ledger maintenance against the payments
// database: migrations, a single poller sweep, manual verification and
// settlement previews.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operate the booking payments ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(settleCmd())

	return rootCmd
}
