package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate the credit ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(warnCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(tokenCmd())

	return root
}
