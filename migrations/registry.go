package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	DefaultSourceLabel = "go-billing-events"

	rootPath = "data/sql/migrations"
)

// RequiredTables must be created by the up migrations of every dialect.
var RequiredTables = []string{
	"billing_ledger",
	"billing_subscribers",
	"billing_scheduled_cancellations",
}

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

// WithValidationTargets limits registration to the named dialects. Blank
// names are ignored.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		next := normalizeDialects(targets)
		if len(next) > 0 {
			r.ValidationTargets = next
		}
	}
}

// Filesystems returns the postgres tree and its sqlite sibling after
// checking each is complete: every up file has a down file and the billing
// tables are all created.
func Filesystems() ([]FilesystemSpec, error) {
	base, err := fs.Sub(FS(), rootPath)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", rootPath, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}
	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: rootPath, FS: base},
		{Dialect: DialectSQLite, Path: rootPath + "/" + DialectSQLite, FS: sqliteFS},
	}
	for _, spec := range filesystems {
		if err := checkFilesystem(spec); err != nil {
			return nil, err
		}
	}
	return filesystems, nil
}

func checkFilesystem(spec FilesystemSpec) error {
	ups, err := fs.Glob(spec.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrations: glob %s: %w", spec.Path, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", spec.Dialect, spec.Path)
	}

	var schema strings.Builder
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(spec.FS, down); err != nil {
			return fmt.Errorf("migrations: %s migration %s has no down file", spec.Dialect, up)
		}
		content, err := fs.ReadFile(spec.FS, up)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", up, err)
		}
		schema.WriteString(strings.ToLower(string(content)))
	}
	for _, table := range RequiredTables {
		if !strings.Contains(schema.String(), "create table if not exists "+table) &&
			!strings.Contains(schema.String(), "create table "+table) {
			return fmt.Errorf("migrations: %s migrations do not create %s", spec.Dialect, table)
		}
	}
	return nil
}

// Register hands each target dialect's filesystem to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       DefaultSourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems

	for _, target := range reg.ValidationTargets {
		if target != DialectPostgres && target != DialectSQLite {
			return reg, fmt.Errorf("migrations: unsupported dialect %q", target)
		}
	}
	for _, spec := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}
	return reg, nil
}

func normalizeDialects(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		dialect := strings.TrimSpace(strings.ToLower(value))
		if dialect == "sqlite3" {
			dialect = DialectSQLite
		}
		if dialect == "" || slices.Contains(out, dialect) {
			continue
		}
		out = append(out, dialect)
	}
	return out
}
