package partitioning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/queue"
	"github.com/jackvz/gitlab-foss/internal/storage/dialect"
)

// ErrUnsupported is returned for databases without declarative
// partitioning.
var ErrUnsupported = errors.New("table partitioning requires PostgreSQL")

const (
	defaultBatchSize     = 50_000
	defaultBatchesPerJob = 10
	defaultPrimaryKey    = "id"
)

// Migrator applies partitioning changes to a live database.
type Migrator struct {
	db            *sqlx.DB
	sb            sq.StatementBuilderType
	queue         ports.JobQueue
	primaryKey    string
	batchSize     int64
	batchesPerJob int64
	dryRun        bool
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithPrimaryKey sets the primary key column of partitioned tables.
func WithPrimaryKey(column string) Option {
	return func(m *Migrator) { m.primaryKey = column }
}

// WithBatchSize sets how many primary keys one copy statement covers and
// how many statements one backfill job runs.
func WithBatchSize(size, perJob int64) Option {
	return func(m *Migrator) {
		if size > 0 {
			m.batchSize = size
		}
		if perJob > 0 {
			m.batchesPerJob = perJob
		}
	}
}

// WithDryRun makes every change return its statements without running them.
func WithDryRun() Option {
	return func(m *Migrator) { m.dryRun = true }
}

func WithClock(now func() time.Time) Option {
	return func(m *Migrator) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) { m.logger = logger }
}

// NewMigrator returns a migrator for db. The queue receives backfill jobs
// and may be nil when EnqueueBackfill is not used.
func NewMigrator(db *sqlx.DB, d dialect.Dialect, q ports.JobQueue, opts ...Option) (*Migrator, error) {
	if d == nil || !d.SupportsPartitioning() {
		return nil, ErrUnsupported
	}
	m := &Migrator{
		db:            db,
		sb:            sq.StatementBuilder.PlaceholderFormat(d.Placeholder()),
		queue:         q,
		primaryKey:    defaultPrimaryKey,
		batchSize:     defaultBatchSize,
		batchesPerJob: defaultBatchesPerJob,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := ValidIdentifier(m.primaryKey); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe reads the column list of table in the current schema.
func (m *Migrator) Describe(ctx context.Context, table string) (Table, error) {
	if err := ValidIdentifier(table); err != nil {
		return Table{}, err
	}
	query, args, err := m.sb.Select("column_name").
		From("information_schema.columns").
		Where("table_schema = current_schema()").
		Where(sq.Eq{"table_name": table}).
		OrderBy("ordinal_position").
		ToSql()
	if err != nil {
		return Table{}, err
	}
	var columns []string
	if err := m.db.SelectContext(ctx, &columns, query, args...); err != nil {
		return Table{}, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(columns) == 0 {
		return Table{}, fmt.Errorf("table %s does not exist", table)
	}
	return Table{Name: table, PrimaryKey: m.primaryKey, Columns: columns}, nil
}

// PartitionTableByDate creates a monthly range partitioned copy of table.
// A zero min starts at the oldest value of column and a zero max ends at
// the current month.
func (m *Migrator) PartitionTableByDate(ctx context.Context, table, column string, min, max time.Time) ([]string, error) {
	t, err := m.Describe(ctx, table)
	if err != nil {
		return nil, err
	}
	if min.IsZero() {
		if min, err = m.oldest(ctx, table, column); err != nil {
			return nil, err
		}
	}
	if max.IsZero() {
		max = m.now()
	}
	stmts, err := RangeByDate(t, column, min, max)
	if err != nil {
		return nil, err
	}
	return stmts, m.apply(ctx, "partition by date", table, stmts)
}

// PartitionTableByHash creates a copy of table split in count hash
// partitions on column.
func (m *Migrator) PartitionTableByHash(ctx context.Context, table, column string, count int) ([]string, error) {
	t, err := m.Describe(ctx, table)
	if err != nil {
		return nil, err
	}
	stmts, err := ByHash(t, column, count)
	if err != nil {
		return nil, err
	}
	return stmts, m.apply(ctx, "partition by hash", table, stmts)
}

// DropPartitionedTableFor removes the partitioned copy of table and stops
// syncing writes into it.
func (m *Migrator) DropPartitionedTableFor(ctx context.Context, table string) ([]string, error) {
	stmts, err := Drop(table)
	if err != nil {
		return nil, err
	}
	return stmts, m.apply(ctx, "drop partitioned table", table, stmts)
}

// ReplaceWithPartitionedTable swaps table with its fully backfilled
// partitioned copy in one transaction.
func (m *Migrator) ReplaceWithPartitionedTable(ctx context.Context, table string) ([]string, error) {
	stmts, err := Replace(table)
	if err != nil {
		return nil, err
	}
	return stmts, m.apply(ctx, "replace with partitioned table", table, stmts)
}

// EnqueueBackfill splits the primary key range of table into backfill
// jobs. Jobs are keyed by table and range so running it twice does not
// copy twice.
func (m *Migrator) EnqueueBackfill(ctx context.Context, table, column string) (int, error) {
	if m.queue == nil {
		return 0, errors.New("backfill needs a job queue")
	}
	if err := validIdentifiers(table, column); err != nil {
		return 0, err
	}
	query, args, err := m.sb.Select(
		fmt.Sprintf("MIN(%s)", m.primaryKey),
		fmt.Sprintf("MAX(%s)", m.primaryKey),
	).From(table).ToSql()
	if err != nil {
		return 0, err
	}
	var lo, hi sql.NullInt64
	if err := m.db.QueryRowxContext(ctx, query, args...).Scan(&lo, &hi); err != nil {
		return 0, fmt.Errorf("read %s bounds: %w", table, err)
	}
	if !lo.Valid {
		m.logger.InfoContext(ctx, "nothing to backfill", "table", table)
		return 0, nil
	}

	ranges := BackfillRanges(table, column, lo.Int64, hi.Int64, m.batchSize, m.batchesPerJob)
	now := m.now()
	for _, r := range ranges {
		payload, err := json.Marshal(r)
		if err != nil {
			return 0, err
		}
		key := fmt.Sprintf("%s:%s:%d", queue.KindPartitionBackfill, table, r.StartID)
		if _, _, err := m.queue.EnqueueUnique(ctx, queue.KindPartitionBackfill, key, payload, now); err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", key, err)
		}
	}
	m.logger.InfoContext(ctx, "backfill enqueued", "table", table, "jobs", len(ranges),
		"start_id", lo.Int64, "end_id", hi.Int64)
	return len(ranges), nil
}

// Backfill copies one job's primary key range into the partitioned copy,
// one batch per statement.
func (m *Migrator) Backfill(ctx context.Context, args queue.BackfillArgs) error {
	t, err := m.Describe(ctx, args.Table)
	if err != nil {
		return err
	}
	stmt, err := CopyBatch(t)
	if err != nil {
		return err
	}
	size := args.BatchSize
	if size <= 0 {
		size = m.batchSize
	}
	var copied int64
	for start := args.StartID; start <= args.EndID; start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + size - 1
		if end > args.EndID {
			end = args.EndID
		}
		if m.dryRun {
			m.logger.InfoContext(ctx, "dry run", "statement", stmt, "start_id", start, "end_id", end)
			continue
		}
		res, err := m.db.ExecContext(ctx, stmt, start, end)
		if err != nil {
			return fmt.Errorf("copy %s ids %d..%d: %w", args.Table, start, end, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			copied += n
		}
	}
	m.logger.InfoContext(ctx, "backfill batch copied", "table", args.Table,
		"start_id", args.StartID, "end_id", args.EndID, "rows", copied)
	return nil
}

// BackfillRanges splits [min, max] into job ranges of size*perJob ids.
func BackfillRanges(table, column string, min, max, size, perJob int64) []queue.BackfillArgs {
	if size <= 0 {
		size = defaultBatchSize
	}
	if perJob <= 0 {
		perJob = defaultBatchesPerJob
	}
	span := size * perJob
	var out []queue.BackfillArgs
	for start := min; start <= max; start += span {
		end := start + span - 1
		if end > max {
			end = max
		}
		out = append(out, queue.BackfillArgs{
			Table:     table,
			Column:    column,
			StartID:   start,
			EndID:     end,
			BatchSize: size,
		})
	}
	return out
}

func (m *Migrator) oldest(ctx context.Context, table, column string) (time.Time, error) {
	query, args, err := m.sb.Select(fmt.Sprintf("MIN(%s)", column)).From(table).ToSql()
	if err != nil {
		return time.Time{}, err
	}
	var oldest sql.NullTime
	if err := m.db.QueryRowxContext(ctx, query, args...).Scan(&oldest); err != nil {
		return time.Time{}, fmt.Errorf("read oldest %s.%s: %w", table, column, err)
	}
	if !oldest.Valid {
		return m.now(), nil
	}
	return oldest.Time, nil
}

func (m *Migrator) apply(ctx context.Context, action, table string, stmts []string) error {
	if m.dryRun {
		m.logger.InfoContext(ctx, "dry run", "action", action, "table", table, "statements", len(stmts))
		return nil
	}
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s %s: %w", action, table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "partitioning applied", "action", action, "table", table, "statements", len(stmts))
	return nil
}
