// Package migrations embeds the SQL schema and development seeds.
package migrations

import "embed"

//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

const (
	MigrationsDir = "sql"
	SeedsDir      = "seeds"
)
