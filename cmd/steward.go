package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stephnangue/steward/cmd/server"
)

var stewardCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward is a credential gateway for multi-tenant reseller operations",
	Long: `Steward acquires, caches and scopes the credentials a reseller portal needs
to call its upstream management APIs. It enforces tenant isolation on every
business operation: a customer identity only ever reaches its own tenant,
whatever target it asks for.`,
}

func Execute() {
	// SIGINT/SIGTERM cancel the command context, which drives the server's
	// graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := stewardCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	stewardCmd.AddCommand(server.ServerCmd)
}
