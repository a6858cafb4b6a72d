// Package migrations embeds the goose SQL migrations so binaries and tests
// can apply them without a checkout of the repository.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS holds the numbered *.sql migrations.
//
//go:embed *.sql
var FS embed.FS

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against db using the embedded migrations.
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	return nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, "up", db)
}
