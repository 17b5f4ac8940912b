package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "BILLING_EVENTS_"

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return normalizeRaw(copyRaw(l.Values))
}

// FileConfigLoader reads a YAML document. A missing optional file yields an
// empty layer.
type FileConfigLoader struct {
	Path     string
	Optional bool
}

func (l FileConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if l.Optional && os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config file %q: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("core: parse config file %q: %w", path, err)
	}
	return normalizeRaw(raw)
}

// EnvConfigLoader maps BILLING_EVENTS_POOL__MAX_WORKERS=12 to
// pool.max_workers.
type EnvConfigLoader struct {
	Prefix  string
	Environ func() []string
}

func (l EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	prefix := l.Prefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	raw := map[string]any{}
	for _, pair := range environ() {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, prefix)), "__")
		setPath(raw, path, coerceScalar(value))
	}
	return normalizeRaw(raw)
}

type ConfigSources struct {
	File    RawConfigLoader
	Env     RawConfigLoader
	Runtime map[string]any
}

// LoadConfig layers defaults < file < env < runtime overrides and validates
// the result.
func LoadConfig(ctx context.Context, defaults Config, sources ConfigSources) (Config, error) {
	fileLayer, err := loadLayer(ctx, sources.File)
	if err != nil {
		return Config{}, err
	}
	envLayer, err := loadLayer(ctx, sources.Env)
	if err != nil {
		return Config{}, err
	}
	runtimeLayer, err := normalizeRaw(copyRaw(sources.Runtime))
	if err != nil {
		return Config{}, err
	}

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("file", 10),
			fileLayer,
			opts.WithSnapshotID[map[string]any]("file"),
		),
		opts.NewLayer(
			opts.NewScope("env", 20),
			envLayer,
			opts.WithSnapshotID[map[string]any]("env"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 30),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	return cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
}

func loadLayer(ctx context.Context, loader RawConfigLoader) (map[string]any, error) {
	if loader == nil {
		return map[string]any{}, nil
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func configToLayerMap(cfg Config) map[string]any {
	return map[string]any{
		"service_name": cfg.ServiceName,
		"queue": map[string]any{
			"addr":        cfg.Queue.Addr,
			"password":    cfg.Queue.Password,
			"db":          cfg.Queue.DB,
			"key":         cfg.Queue.Key,
			"pop_timeout": cfg.Queue.PopTimeout,
		},
		"pool": map[string]any{
			"min_workers":   cfg.Pool.MinWorkers,
			"max_workers":   cfg.Pool.MaxWorkers,
			"max_retries":   cfg.Pool.MaxRetries,
			"queue_backoff": cfg.Pool.QueueBackoff,
		},
		"scaler": map[string]any{
			"interval":          cfg.Scaler.Interval,
			"high_watermark":    cfg.Scaler.HighWatermark,
			"low_watermark":     cfg.Scaler.LowWatermark,
			"down_stable_ticks": cfg.Scaler.DownStableTicks,
		},
		"database": map[string]any{
			"driver":       cfg.Database.Driver,
			"dsn":          cfg.Database.DSN,
			"debug":        cfg.Database.Debug,
			"ping_timeout": cfg.Database.PingTimeout,
		},
		"ledger": map[string]any{
			"cache_ttl": cfg.Ledger.CacheTTL,
		},
		"cancellation": map[string]any{
			"poll_interval":            cfg.Cancellation.PollInterval,
			"batch_size":               cfg.Cancellation.BatchSize,
			"jobs_key":                 cfg.Cancellation.JobsKey,
			"failed_payment_threshold": cfg.Cancellation.FailedPaymentThreshold,
			"max_attempts":             cfg.Cancellation.MaxAttempts,
			"max_delay":                cfg.Cancellation.MaxDelay,
			"lease_timeout":            cfg.Cancellation.LeaseTimeout,
		},
		"stripe": map[string]any{
			"api_key":          cfg.Stripe.APIKey,
			"webhook_secret":   cfg.Stripe.WebhookSecret,
			"base_url":         cfg.Stripe.BaseURL,
			"signature_window": cfg.Stripe.SignatureWindow,
		},
		"paypal": map[string]any{
			"client_id":     cfg.PayPal.ClientID,
			"client_secret": cfg.PayPal.ClientSecret,
			"webhook_id":    cfg.PayPal.WebhookID,
			"base_url":      cfg.PayPal.BaseURL,
		},
		"http": map[string]any{
			"addr":             cfg.HTTP.Addr,
			"max_body_bytes":   cfg.HTTP.MaxBodyBytes,
			"duplicate_window": cfg.HTTP.DuplicateWindow,
		},
		"mail": map[string]any{
			"host":     cfg.Mail.Host,
			"port":     cfg.Mail.Port,
			"username": cfg.Mail.Username,
			"password": cfg.Mail.Password,
			"from":     cfg.Mail.From,
		},
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
	}
}

var durationKeys = map[string]struct{}{
	"pop_timeout":      {},
	"queue_backoff":    {},
	"interval":         {},
	"ping_timeout":     {},
	"cache_ttl":        {},
	"poll_interval":    {},
	"max_delay":        {},
	"lease_timeout":    {},
	"signature_window": {},
	"duplicate_window": {},
}

// normalizeRaw turns duration strings ("30s") into time.Duration values so
// the decoded Config never depends on decoder hooks.
func normalizeRaw(raw map[string]any) (map[string]any, error) {
	for key, value := range raw {
		switch typed := value.(type) {
		case map[string]any:
			nested, err := normalizeRaw(typed)
			if err != nil {
				return nil, err
			}
			raw[key] = nested
		case string:
			if _, ok := durationKeys[key]; !ok {
				continue
			}
			parsed, err := time.ParseDuration(strings.TrimSpace(typed))
			if err != nil {
				return nil, fmt.Errorf("core: invalid duration for %s: %w", key, err)
			}
			raw[key] = parsed
		case int:
			if _, ok := durationKeys[key]; ok {
				raw[key] = time.Duration(typed) * time.Second
			}
		}
	}
	return raw, nil
}

func setPath(raw map[string]any, path []string, value any) {
	if len(path) == 0 {
		return
	}
	current := raw
	for _, segment := range path[:len(path)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func coerceScalar(value string) any {
	trimmed := strings.TrimSpace(value)
	if parsed, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return int(parsed)
	}
	if parsed, err := strconv.ParseBool(trimmed); err == nil {
		return parsed
	}
	return trimmed
}

func copyRaw(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if nested, ok := value.(map[string]any); ok {
			out[key] = copyRaw(nested)
			continue
		}
		out[key] = value
	}
	return out
}
