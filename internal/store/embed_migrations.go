package store

import "embed"

// MigrationFS embeds the SQL migrations applied by Migrate at startup or via
// the -migrate flag.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
