package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackvz/gitlab-foss/internal/pkg/config"
	"github.com/jackvz/gitlab-foss/internal/storage/migrations"
	"github.com/jackvz/gitlab-foss/internal/storage/sqldb"
)

var migrateTo int64

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the database schema",
	Long: `Apply pending schema migrations. With --to the schema is moved up or
down to that version.`,
	RunE: runMigrate,
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSQLStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		v, err := migrations.Version(cmd.Context(), store.DB().DB, store.Dialect())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int64Var(&migrateTo, "to", 0, "Target schema version (0 means latest)")
	migrateCmd.AddCommand(migrateVersionCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	store, err := openSQLStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	return migrations.To(cmd.Context(), store.DB().DB, store.Dialect(), migrateTo, logger)
}

// openSQLStore opens the configured database without migrating it.
func openSQLStore(ctx context.Context) (*sqldb.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	driver, dsn := cfg.Storage.Database.Driver, cfg.Storage.Database.DSN
	switch cfg.Storage.Type {
	case "memory", "":
		return nil, fmt.Errorf("storage type %q has no schema", cfg.Storage.Type)
	case "sqlite":
		if dsn == "" {
			dsn = cfg.Storage.SQLite.Path
		}
	}
	if driver == "" {
		driver = cfg.Storage.Type
	}
	return sqldb.New(ctx, sqldb.Config{Driver: driver, DSN: dsn, SkipMigrations: true, Logger: logger})
}
