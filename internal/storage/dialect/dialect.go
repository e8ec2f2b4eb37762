// Package dialect describes the differences between the supported SQL databases.
package dialect

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres", "mysql")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// GooseDialect returns the dialect name understood by goose.
	GooseDialect() string

	// Placeholder returns the bind parameter format of the dialect.
	Placeholder() sq.PlaceholderFormat

	// SupportsReturning returns true if the dialect supports RETURNING clause
	SupportsReturning() bool

	// LockClause returns the suffix that locks selected queue rows without
	// waiting on rows other workers hold. Empty when the database
	// serializes writers anyway.
	LockClause() string

	// PragmaStatements returns dialect-specific initialization statements (e.g., PRAGMA for SQLite)
	PragmaStatements() []string

	// SupportsPartitioning reports whether declarative table partitioning is available.
	SupportsPartitioning() bool
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return &sqliteDialect{}, nil
	case Postgres:
		return &postgresDialect{}, nil
	case MySQL:
		return &mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a given driver name
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return &postgresDialect{}, nil
	case "mysql":
		return &mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type sqliteDialect struct{}

func (d *sqliteDialect) Name() string                      { return "sqlite" }
func (d *sqliteDialect) DriverName() string                { return "sqlite" }
func (d *sqliteDialect) GooseDialect() string              { return "sqlite3" }
func (d *sqliteDialect) Placeholder() sq.PlaceholderFormat { return sq.Question }
func (d *sqliteDialect) SupportsReturning() bool           { return true } // SQLite 3.35+
func (d *sqliteDialect) LockClause() string                { return "" }
func (d *sqliteDialect) SupportsPartitioning() bool        { return false }

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
}

type postgresDialect struct{}

func (d *postgresDialect) Name() string                      { return "postgres" }
func (d *postgresDialect) DriverName() string                { return "pgx" }
func (d *postgresDialect) GooseDialect() string              { return "postgres" }
func (d *postgresDialect) Placeholder() sq.PlaceholderFormat { return sq.Dollar }
func (d *postgresDialect) SupportsReturning() bool           { return true }
func (d *postgresDialect) LockClause() string                { return "FOR UPDATE SKIP LOCKED" }
func (d *postgresDialect) PragmaStatements() []string        { return nil }
func (d *postgresDialect) SupportsPartitioning() bool        { return true }

type mysqlDialect struct{}

func (d *mysqlDialect) Name() string                      { return "mysql" }
func (d *mysqlDialect) DriverName() string                { return "mysql" }
func (d *mysqlDialect) GooseDialect() string              { return "mysql" }
func (d *mysqlDialect) Placeholder() sq.PlaceholderFormat { return sq.Question }
func (d *mysqlDialect) SupportsReturning() bool           { return false }
func (d *mysqlDialect) LockClause() string                { return "FOR UPDATE SKIP LOCKED" } // MySQL 8.0+
func (d *mysqlDialect) PragmaStatements() []string        { return nil }
func (d *mysqlDialect) SupportsPartitioning() bool        { return false }
