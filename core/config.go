package core

import (
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type QueueConfig struct {
	Addr       string        `koanf:"addr" mapstructure:"addr"`
	Password   string        `koanf:"password" mapstructure:"password"`
	DB         int           `koanf:"db" mapstructure:"db"`
	Key        string        `koanf:"key" mapstructure:"key"`
	PopTimeout time.Duration `koanf:"pop_timeout" mapstructure:"pop_timeout"`
}

type PoolConfig struct {
	MinWorkers   int           `koanf:"min_workers" mapstructure:"min_workers"`
	MaxWorkers   int           `koanf:"max_workers" mapstructure:"max_workers"`
	MaxRetries   int           `koanf:"max_retries" mapstructure:"max_retries"`
	QueueBackoff time.Duration `koanf:"queue_backoff" mapstructure:"queue_backoff"`
}

type ScalerConfig struct {
	Interval        time.Duration `koanf:"interval" mapstructure:"interval"`
	HighWatermark   int64         `koanf:"high_watermark" mapstructure:"high_watermark"`
	LowWatermark    int64         `koanf:"low_watermark" mapstructure:"low_watermark"`
	DownStableTicks int           `koanf:"down_stable_ticks" mapstructure:"down_stable_ticks"`
}

type DatabaseConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
}

type LedgerConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type CancellationConfig struct {
	PollInterval           time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	BatchSize              int           `koanf:"batch_size" mapstructure:"batch_size"`
	JobsKey                string        `koanf:"jobs_key" mapstructure:"jobs_key"`
	FailedPaymentThreshold int           `koanf:"failed_payment_threshold" mapstructure:"failed_payment_threshold"`
	MaxAttempts            int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	MaxDelay               time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	LeaseTimeout           time.Duration `koanf:"lease_timeout" mapstructure:"lease_timeout"`
}

type StripeConfig struct {
	APIKey          string        `koanf:"api_key" mapstructure:"api_key"`
	WebhookSecret   string        `koanf:"webhook_secret" mapstructure:"webhook_secret"`
	BaseURL         string        `koanf:"base_url" mapstructure:"base_url"`
	SignatureWindow time.Duration `koanf:"signature_window" mapstructure:"signature_window"`
}

type PayPalConfig struct {
	ClientID     string `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret string `koanf:"client_secret" mapstructure:"client_secret"`
	WebhookID    string `koanf:"webhook_id" mapstructure:"webhook_id"`
	BaseURL      string `koanf:"base_url" mapstructure:"base_url"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" mapstructure:"addr"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	DuplicateWindow time.Duration `koanf:"duplicate_window" mapstructure:"duplicate_window"`
}

type LogConfig struct {
	Level  string `koanf:"level" mapstructure:"level"`
	Format string `koanf:"format" mapstructure:"format"`
}

type MailConfig struct {
	Host     string `koanf:"host" mapstructure:"host"`
	Port     int    `koanf:"port" mapstructure:"port"`
	Username string `koanf:"username" mapstructure:"username"`
	Password string `koanf:"password" mapstructure:"password"`
	From     string `koanf:"from" mapstructure:"from"`
}

type Config struct {
	ServiceName  string             `koanf:"service_name" mapstructure:"service_name"`
	Queue        QueueConfig        `koanf:"queue" mapstructure:"queue"`
	Pool         PoolConfig         `koanf:"pool" mapstructure:"pool"`
	Scaler       ScalerConfig       `koanf:"scaler" mapstructure:"scaler"`
	Database     DatabaseConfig     `koanf:"database" mapstructure:"database"`
	Ledger       LedgerConfig       `koanf:"ledger" mapstructure:"ledger"`
	Cancellation CancellationConfig `koanf:"cancellation" mapstructure:"cancellation"`
	Stripe       StripeConfig       `koanf:"stripe" mapstructure:"stripe"`
	PayPal       PayPalConfig       `koanf:"paypal" mapstructure:"paypal"`
	HTTP         HTTPConfig         `koanf:"http" mapstructure:"http"`
	Mail         MailConfig         `koanf:"mail" mapstructure:"mail"`
	Log          LogConfig          `koanf:"log" mapstructure:"log"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "billing-events",
		Queue: QueueConfig{
			Addr:       "localhost:6379",
			Key:        "task_queue",
			PopTimeout: time.Second,
		},
		Pool: PoolConfig{
			MinWorkers:   2,
			MaxWorkers:   10,
			MaxRetries:   3,
			QueueBackoff: 2 * time.Second,
		},
		Scaler: ScalerConfig{
			Interval:        30 * time.Second,
			HighWatermark:   50,
			LowWatermark:    20,
			DownStableTicks: 2,
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			PingTimeout: 5 * time.Second,
		},
		Ledger: LedgerConfig{
			CacheTTL: 10 * time.Minute,
		},
		Cancellation: CancellationConfig{
			PollInterval:           time.Minute,
			BatchSize:              50,
			JobsKey:                "billing_jobs",
			FailedPaymentThreshold: 3,
			MaxAttempts:            5,
			MaxDelay:               time.Hour,
			LeaseTimeout:           2 * time.Minute,
		},
		Stripe: StripeConfig{
			BaseURL:         "https://api.stripe.com",
			SignatureWindow: 5 * time.Minute,
		},
		PayPal: PayPalConfig{
			BaseURL: "https://api-m.paypal.com",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			MaxBodyBytes:    1 << 20,
			DuplicateWindow: 2 * time.Second,
		},
		Mail: MailConfig{
			Port: 587,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c Config) Validate() error {
	var fields []goerrors.FieldError
	check := func(ok bool, field string, message string) {
		if !ok {
			fields = append(fields, goerrors.FieldError{Field: field, Message: message})
		}
	}

	check(strings.TrimSpace(c.ServiceName) != "", "service_name", "is required")
	check(strings.TrimSpace(c.Queue.Key) != "", "queue.key", "is required")
	check(c.Queue.PopTimeout > 0, "queue.pop_timeout", "must be positive")
	check(c.Pool.MinWorkers >= 1, "pool.min_workers", "must be at least 1")
	check(c.Pool.MaxWorkers >= c.Pool.MinWorkers, "pool.max_workers", "must be >= pool.min_workers")
	check(c.Pool.MaxRetries >= 1, "pool.max_retries", "must be at least 1")
	check(c.Scaler.LowWatermark < c.Scaler.HighWatermark, "scaler.low_watermark", "must be below scaler.high_watermark")
	check(c.Scaler.DownStableTicks >= 1, "scaler.down_stable_ticks", "must be at least 1")
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "sqlite3":
	default:
		check(false, "database.driver", "must be postgres or sqlite3")
	}
	check(c.Cancellation.FailedPaymentThreshold >= 1, "cancellation.failed_payment_threshold", "must be at least 1")
	check(c.Cancellation.LeaseTimeout >= 0, "cancellation.lease_timeout", "must not be negative")

	if len(fields) == 0 {
		return nil
	}
	return goerrors.NewValidation("core: invalid configuration", fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}
