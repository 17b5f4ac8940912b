package billingevents

import (
	"io/fs"

	"github.com/goliatone/go-billing-events/migrations"
)

// GetMigrationsFS returns the embedded migration tree, postgres files at
// data/sql/migrations and sqlite variants under data/sql/migrations/sqlite.
func GetMigrationsFS() fs.FS {
	return migrations.FS()
}
