package remote

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/fiskalni/fiskalni/internal/remote/migrations"
)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate creates or upgrades the remote tables. Hosted Supabase projects
// normally manage their schema themselves; this is for self-hosted and test
// databases.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var gooseDialect, dir string
	switch dialect {
	case DialectPostgres:
		gooseDialect, dir = "postgres", "postgres"
	case DialectTurso:
		gooseDialect, dir = "turso", "sqlite"
	case DialectSQLite:
		gooseDialect, dir = "sqlite3", "sqlite"
	default:
		return fmt.Errorf("unknown remote dialect %q", dialect)
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("failed to migrate remote schema: %w", err)
	}
	return nil
}

// Migrate runs Migrate on the store's connection.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db, s.dialect)
}
