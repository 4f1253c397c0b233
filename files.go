package auth

import (
	"embed"
)

// MigrationsDir is the directory of the embedded goose migrations.
const MigrationsDir = "data/sql/migrations"

//go:embed data/sql/migrations/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the users and refresh_tokens schema migrations,
// rooted so that MigrationsDir resolves inside it.
func GetMigrationsFS() embed.FS {
	return migrationsFS
}
