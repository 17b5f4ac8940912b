package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	billingevents "github.com/goliatone/go-billing-events"
	"github.com/spf13/cobra"
)

var Version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "billing-events",
		Short:         "Payment webhook pipeline for Stripe and PayPal",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (env BILLING_EVENTS_* overrides it)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: json, text or pretty")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(migrateCmd(flags))
	rootCmd.AddCommand(ledgerCmd(flags))
	rootCmd.AddCommand(replayCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context, flags *globalFlags) (billingevents.Config, error) {
	logOverrides := map[string]any{}
	if level := strings.TrimSpace(flags.logLevel); level != "" {
		logOverrides["level"] = level
	}
	if format := strings.TrimSpace(flags.logFormat); format != "" {
		logOverrides["format"] = format
	}
	var overrides map[string]any
	if len(logOverrides) > 0 {
		overrides = map[string]any{"log": logOverrides}
	}
	return billingevents.LoadConfig(ctx, flags.configPath, overrides)
}
