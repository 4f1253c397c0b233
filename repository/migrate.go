package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-retail-auth"
)

// goose keeps its dialect and base FS in package state.
var migrateMu sync.Mutex

// Migrate applies the embedded schema migrations. dialect is a goose
// dialect name, "sqlite3" or "mysql".
func Migrate(ctx context.Context, db *bun.DB, dialect string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrate: set dialect %q: %w", dialect, err)
	}

	goose.SetBaseFS(auth.GetMigrationsFS())
	defer goose.SetBaseFS(nil)

	if err := goose.UpContext(ctx, db.DB, auth.MigrationsDir); err != nil {
		return fmt.Errorf("migrate: goose up: %w", err)
	}

	return nil
}
