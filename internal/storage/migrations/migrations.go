// Package migrations holds the versioned schema of the SQL stores and runs
// it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/jackvz/gitlab-foss/internal/storage/dialect"
)

//go:embed sqlite/*.sql postgres/*.sql mysql/*.sql
var embedded embed.FS

// FS returns the migration files of a dialect.
func FS(d dialect.Dialect) (fs.FS, error) {
	sub, err := fs.Sub(embedded, d.Name())
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", d.Name(), err)
	}
	return sub, nil
}

func provider(db *sql.DB, d dialect.Dialect) (*goose.Provider, error) {
	fsys, err := FS(d)
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(goose.Dialect(d.GooseDialect()), db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return p, nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB, d dialect.Dialect, logger *slog.Logger) error {
	return To(ctx, db, d, 0, logger)
}

// To migrates up or down to version. Version 0 means the latest version.
func To(ctx context.Context, db *sql.DB, d dialect.Dialect, version int64, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := provider(db, d)
	if err != nil {
		return err
	}
	current, err := p.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("current schema version: %w", err)
	}

	var results []*goose.MigrationResult
	switch {
	case version == 0:
		results, err = p.Up(ctx)
	case version > current:
		results, err = p.UpTo(ctx, version)
	case version < current:
		results, err = p.DownTo(ctx, version)
	default:
		logger.InfoContext(ctx, "schema already at requested version", slog.Int64("version", current))
		return nil
	}
	for _, r := range results {
		logger.InfoContext(ctx, "applied migration",
			slog.String("dialect", d.Name()),
			slog.Int64("version", r.Source.Version),
			slog.String("direction", r.Direction),
			slog.Duration("duration", r.Duration),
		)
	}
	if err != nil {
		return fmt.Errorf("migrate %s from %d: %w", d.Name(), current, err)
	}
	return nil
}

// Version returns the current schema version.
func Version(ctx context.Context, db *sql.DB, d dialect.Dialect) (int64, error) {
	p, err := provider(db, d)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
