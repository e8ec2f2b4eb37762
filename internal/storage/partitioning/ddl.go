// Package partitioning migrates a PostgreSQL table to a partitioned copy.
//
// The copy is named <table>_part and is kept in sync with the original by a
// trigger while existing rows are backfilled in batches. Once the backfill
// has finished the two tables are swapped.
package partitioning

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxIdentifierLength is the PostgreSQL limit on identifier length in bytes.
const MaxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier checks that name can be used unquoted as a table,
// column or function name.
func ValidIdentifier(name string) error {
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("identifier %q is longer than %d bytes", name, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q must be lowercase letters, digits and underscores", name)
	}
	return nil
}

func validIdentifiers(names ...string) error {
	for _, name := range names {
		if err := ValidIdentifier(name); err != nil {
			return err
		}
	}
	return nil
}

// PartitionedName returns the name of the partitioned copy of table.
func PartitionedName(table string) string {
	return table + "_part"
}

// SyncFunctionName returns the name of the trigger function that mirrors
// writes on table into its partitioned copy.
func SyncFunctionName(table string) string {
	return table + "_sync"
}

// SyncTriggerName returns the name of the trigger calling the sync function.
func SyncTriggerName(table string) string {
	return table + "_sync_trigger"
}

// ArchivedName is the name the original table gets once it is replaced.
func ArchivedName(table string) string {
	return table + "_archived"
}

// Table describes the table being partitioned.
type Table struct {
	Name       string
	PrimaryKey string
	Columns    []string
}

func (t Table) validate() error {
	if t.Name == "" || t.PrimaryKey == "" {
		return fmt.Errorf("table name and primary key are required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}
	names := append([]string{t.Name, t.PrimaryKey}, t.Columns...)
	names = append(names, PartitionedName(t.Name), SyncFunctionName(t.Name), SyncTriggerName(t.Name), ArchivedName(t.Name))
	return validIdentifiers(names...)
}

func (t Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

func (t Table) primaryKeyWith(column string) string {
	if column == t.PrimaryKey {
		return t.PrimaryKey
	}
	return t.PrimaryKey + ", " + column
}

func createPartitionedTable(t Table, column, method string) string {
	return fmt.Sprintf(
		"CREATE TABLE %s (LIKE %s INCLUDING ALL EXCLUDING INDEXES, PRIMARY KEY (%s)) PARTITION BY %s (%s)",
		PartitionedName(t.Name), t.Name, t.primaryKeyWith(column), method, column,
	)
}

// RangeByDate returns the statements that create a copy of t partitioned
// monthly on column. A catch-all partition suffixed _000000 holds values
// before the month of min; monthly partitions then cover every month up to
// and including the month of max, plus one month ahead.
func RangeByDate(t Table, column string, min, max time.Time) ([]string, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if !t.hasColumn(column) {
		return nil, fmt.Errorf("partition column %s does not exist on %s", column, t.Name)
	}
	if max.Before(min) {
		return nil, fmt.Errorf("max date %s is before min date %s", max.Format(time.DateOnly), min.Format(time.DateOnly))
	}

	part := PartitionedName(t.Name)
	from := monthStart(min)
	until := monthStart(max).AddDate(0, 2, 0)

	stmts := []string{createPartitionedTable(t, column, "RANGE")}
	catchAll := part + "_000000"
	if err := ValidIdentifier(catchAll); err != nil {
		return nil, err
	}
	stmts = append(stmts, fmt.Sprintf(
		"CREATE TABLE %s PARTITION OF %s FOR VALUES FROM (MINVALUE) TO ('%s')",
		catchAll, part, from.Format(time.DateOnly),
	))
	for month := from; month.Before(until); month = month.AddDate(0, 1, 0) {
		name := fmt.Sprintf("%s_%s", part, month.Format("200601"))
		if err := ValidIdentifier(name); err != nil {
			return nil, err
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
			name, part, month.Format(time.DateOnly), month.AddDate(0, 1, 0).Format(time.DateOnly),
		))
	}
	return append(stmts, syncTrigger(t)...), nil
}

// ByHash returns the statements that create a copy of t split into count
// hash partitions on column.
func ByHash(t Table, column string, count int) ([]string, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if !t.hasColumn(column) {
		return nil, fmt.Errorf("partition column %s does not exist on %s", column, t.Name)
	}
	if count < 2 {
		return nil, fmt.Errorf("hash partitioning needs at least 2 partitions, got %d", count)
	}

	part := PartitionedName(t.Name)
	width := len(fmt.Sprint(count - 1))
	stmts := []string{createPartitionedTable(t, column, "HASH")}
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s_%0*d", part, width, i)
		if err := ValidIdentifier(name); err != nil {
			return nil, err
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE %s PARTITION OF %s FOR VALUES WITH (MODULUS %d, REMAINDER %d)",
			name, part, count, i,
		))
	}
	return append(stmts, syncTrigger(t)...), nil
}

// syncTrigger mirrors every insert, update and delete on t into its copy.
func syncTrigger(t Table) []string {
	part := PartitionedName(t.Name)
	columns := strings.Join(t.Columns, ", ")
	newValues := make([]string, len(t.Columns))
	assignments := make([]string, 0, len(t.Columns))
	for i, c := range t.Columns {
		newValues[i] = "NEW." + c
		if c != t.PrimaryKey {
			assignments = append(assignments, fmt.Sprintf("%s = NEW.%s", c, c))
		}
	}

	var body strings.Builder
	body.WriteString("BEGIN\n")
	body.WriteString("IF (TG_OP = 'DELETE') THEN\n")
	fmt.Fprintf(&body, "  DELETE FROM %s WHERE %s = OLD.%s;\n", part, t.PrimaryKey, t.PrimaryKey)
	body.WriteString("ELSIF (TG_OP = 'UPDATE') THEN\n")
	if len(assignments) > 0 {
		fmt.Fprintf(&body, "  UPDATE %s SET %s WHERE %s.%s = NEW.%s;\n",
			part, strings.Join(assignments, ", "), part, t.PrimaryKey, t.PrimaryKey)
	}
	body.WriteString("ELSIF (TG_OP = 'INSERT') THEN\n")
	fmt.Fprintf(&body, "  INSERT INTO %s (%s)\n  VALUES (%s);\n", part, columns, strings.Join(newValues, ", "))
	body.WriteString("END IF;\n")
	body.WriteString("RETURN NULL;\n")
	body.WriteString("END")

	return []string{
		fmt.Sprintf("CREATE OR REPLACE FUNCTION %s()\nRETURNS TRIGGER AS\n$$\n%s\n$$ LANGUAGE PLPGSQL",
			SyncFunctionName(t.Name), body.String()),
		fmt.Sprintf("CREATE TRIGGER %s\nAFTER INSERT OR UPDATE OR DELETE ON %s\nFOR EACH ROW EXECUTE FUNCTION %s()",
			SyncTriggerName(t.Name), t.Name, SyncFunctionName(t.Name)),
	}
}

// Drop returns the statements that remove the partitioned copy of table
// together with its sync trigger.
func Drop(table string) ([]string, error) {
	if err := validIdentifiers(table, PartitionedName(table), SyncFunctionName(table), SyncTriggerName(table)); err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", SyncTriggerName(table), table),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", SyncFunctionName(table)),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", PartitionedName(table)),
	}, nil
}

// Replace returns the statements that swap table with its partitioned
// copy. The original table is kept as <table>_archived.
func Replace(table string) ([]string, error) {
	if err := validIdentifiers(table, PartitionedName(table), ArchivedName(table), SyncFunctionName(table), SyncTriggerName(table)); err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", SyncTriggerName(table), table),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", SyncFunctionName(table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", table, ArchivedName(table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", PartitionedName(table), table),
	}, nil
}

// CopyBatch returns the statement that copies rows with primary keys in
// [start, end] into the partitioned copy. Rows that already arrived
// through the sync trigger are left alone.
func CopyBatch(t Table) (string, error) {
	if err := t.validate(); err != nil {
		return "", err
	}
	columns := strings.Join(t.Columns, ", ")
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s BETWEEN $1 AND $2 ORDER BY %s ON CONFLICT DO NOTHING",
		PartitionedName(t.Name), columns, columns, t.Name, t.PrimaryKey, t.PrimaryKey,
	), nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
