package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackvz/gitlab-foss/internal/storage/partitioning"
	"github.com/jackvz/gitlab-foss/internal/storage/sqldb"
)

var (
	partitionDryRun bool
	dateColumn      string
	hashColumn      string
	backfillColumn  string
	partitionMin    string
	partitionMax    string
	partitionCount  int
)

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Partition large tables (PostgreSQL only)",
	Long: `Create partitioned copies of large tables, backfill them through the job
queue and swap them in.

Typical sequence:
  cichain partition date ci_pipelines --column created_at --min 2023-01-01
  cichain partition backfill ci_pipelines --column created_at
  cichain partition replace ci_pipelines`,
}

var partitionDateCmd = &cobra.Command{
	Use:   "date <table>",
	Short: "Create a table partitioned by month on a timestamp column",
	Args:  cobra.ExactArgs(1),
	RunE: withMigrator(func(cmd *cobra.Command, m *partitioning.Migrator, table string) ([]string, error) {
		min, err := parseDate(partitionMin, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("--min: %w", err)
		}
		max, err := parseDate(partitionMax, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("--max: %w", err)
		}
		return m.PartitionTableByDate(cmd.Context(), table, dateColumn, min, max)
	}),
}

var partitionHashCmd = &cobra.Command{
	Use:   "hash <table>",
	Short: "Create a table hash partitioned on a column",
	Args:  cobra.ExactArgs(1),
	RunE: withMigrator(func(cmd *cobra.Command, m *partitioning.Migrator, table string) ([]string, error) {
		return m.PartitionTableByHash(cmd.Context(), table, hashColumn, partitionCount)
	}),
}

var partitionDropCmd = &cobra.Command{
	Use:   "drop <table>",
	Short: "Drop the partitioned copy of a table and its sync trigger",
	Args:  cobra.ExactArgs(1),
	RunE: withMigrator(func(cmd *cobra.Command, m *partitioning.Migrator, table string) ([]string, error) {
		return m.DropPartitionedTableFor(cmd.Context(), table)
	}),
}

var partitionReplaceCmd = &cobra.Command{
	Use:   "replace <table>",
	Short: "Swap a table with its backfilled partitioned copy",
	Args:  cobra.ExactArgs(1),
	RunE: withMigrator(func(cmd *cobra.Command, m *partitioning.Migrator, table string) ([]string, error) {
		return m.ReplaceWithPartitionedTable(cmd.Context(), table)
	}),
}

var partitionBackfillCmd = &cobra.Command{
	Use:   "backfill <table>",
	Short: "Enqueue jobs copying existing rows into the partitioned copy",
	Args:  cobra.ExactArgs(1),
	RunE: withMigrator(func(cmd *cobra.Command, m *partitioning.Migrator, table string) ([]string, error) {
		n, err := m.EnqueueBackfill(cmd.Context(), table, backfillColumn)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d backfill jobs\n", n)
		return nil, nil
	}),
}

func init() {
	partitionCmd.PersistentFlags().BoolVar(&partitionDryRun, "dry-run", false, "Print statements without running them")

	partitionDateCmd.Flags().StringVar(&dateColumn, "column", "created_at", "Partitioning column")
	partitionDateCmd.Flags().StringVar(&partitionMin, "min", "", "First month to partition (YYYY-MM-DD, default oldest row)")
	partitionDateCmd.Flags().StringVar(&partitionMax, "max", "", "Last month to partition (YYYY-MM-DD, default today)")

	partitionHashCmd.Flags().StringVar(&hashColumn, "column", "project_id", "Partitioning column")
	partitionHashCmd.Flags().IntVar(&partitionCount, "partitions", 16, "Number of hash partitions")

	partitionBackfillCmd.Flags().StringVar(&backfillColumn, "column", "created_at", "Partitioning column")

	partitionCmd.AddCommand(partitionDateCmd, partitionHashCmd, partitionDropCmd, partitionReplaceCmd, partitionBackfillCmd)
}

type migratorFunc func(cmd *cobra.Command, m *partitioning.Migrator, table string) ([]string, error)

func withMigrator(fn migratorFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, err := openSQLStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		m, err := newMigrator(store)
		if err != nil {
			return err
		}
		stmts, err := fn(cmd, m, args[0])
		if len(stmts) > 0 && partitionDryRun {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(stmts, ";\n")+";")
		}
		return err
	}
}

func newMigrator(store *sqldb.Store) (*partitioning.Migrator, error) {
	opts := []partitioning.Option{partitioning.WithLogger(logger)}
	if partitionDryRun {
		opts = append(opts, partitioning.WithDryRun())
	}
	return partitioning.NewMigrator(store.DB(), store.Dialect(), store, opts...)
}

func parseDate(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return time.Parse(time.DateOnly, s)
}
