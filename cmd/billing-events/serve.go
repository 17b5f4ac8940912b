package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	billingevents "github.com/goliatone/go-billing-events"
	"github.com/spf13/cobra"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, worker pool and cancellation jobs",
		Long: `Start the billing events service.

Webhooks are accepted on /webhooks/stripe and /webhooks/paypal, queued in
redis and processed by the worker pool. Scheduled cancellations are relayed
from the database to the job queue and executed against the provider.

Examples:
  billing-events serve --config billing.yaml
  BILLING_EVENTS_HTTP__ADDR=:9090 billing-events serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, flags)
			if err != nil {
				return err
			}
			rt, err := billingevents.Build(ctx, cfg)
			if err != nil {
				return err
			}
			if err := rt.Start(ctx); err != nil {
				_ = rt.Shutdown(context.Background())
				return err
			}

			var runErr error
			select {
			case <-ctx.Done():
			case runErr = <-rt.Errors():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := rt.Shutdown(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for in-flight work to finish")
	return cmd
}
