package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
	"github.com/goliatone/go-billing-events/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const defaultPingTimeout = 5 * time.Second

type persistenceConfig struct {
	driver      string
	server      string
	debug       bool
	pingTimeout time.Duration
}

func (c persistenceConfig) GetDebug() bool {
	return c.debug
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return c.pingTimeout
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "go-billing-events"
}

// Open connects to the configured database and registers the embedded
// migrations for its dialect. Call Migrate on the returned client to apply
// them.
func Open(ctx context.Context, cfg core.DatabaseConfig) (*persistence.Client, error) {
	driver, sqlDriver, dialect, err := resolveDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: database dsn is required")
	}
	sqlDB, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == migrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	client, err := persistence.New(persistenceConfig{
		driver:      sqlDriver,
		server:      dsn,
		debug:       cfg.Debug,
		pingTimeout: pingTimeout,
	}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	if _, err := migrations.Register(ctx, func(_ context.Context, registered string, _ string, fsys fs.FS) error {
		if registered != driver {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(driver)); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func resolveDriver(value string) (string, string, schema.Dialect, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "sqlite", "sqlite3":
		return migrations.DialectSQLite, "sqlite3", sqlitedialect.New(), nil
	case "postgres", "postgresql", "pg":
		return migrations.DialectPostgres, "postgres", pgdialect.New(), nil
	default:
		return "", "", nil, fmt.Errorf("sqlstore: unsupported database driver %q", value)
	}
}
