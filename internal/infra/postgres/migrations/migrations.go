// Package migrations holds the question bank schema. Each migration file is
// named <timestamp>_<name>.go; bun derives the migration name from it.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
