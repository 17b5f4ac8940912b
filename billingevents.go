// Package billingevents assembles the payment event pipeline: webhook
// intake, the worker pool, the idempotency ledger and the scheduled
// cancellation jobs.
package billingevents

import (
	"context"

	"github.com/goliatone/go-billing-events/core"
)

type Config = core.Config

type ConfigSources = core.ConfigSources

type Logger = core.Logger

type LoggerProvider = core.LoggerProvider

type MetricsRecorder = core.MetricsRecorder

type Provider = core.Provider

const (
	ProviderStripe = core.ProviderStripe
	ProviderPayPal = core.ProviderPayPal
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// LoadConfig layers defaults < YAML file < BILLING_EVENTS_ env < overrides.
func LoadConfig(ctx context.Context, path string, overrides map[string]any) (Config, error) {
	return core.LoadConfig(ctx, core.DefaultConfig(), core.ConfigSources{
		File:    core.FileConfigLoader{Path: path, Optional: path == ""},
		Env:     core.EnvConfigLoader{},
		Runtime: overrides,
	})
}
