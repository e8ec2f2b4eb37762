package dialect

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		dialectType DialectType
		wantName    string
		wantErr     bool
	}{
		{"sqlite", SQLite, "sqlite", false},
		{"postgres", Postgres, "postgres", false},
		{"mysql", MySQL, "mysql", false},
		{"unknown", DialectType("unknown"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.dialectType)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantGoose  string
		wantErr    bool
	}{
		{"sqlite", "sqlite", "sqlite3", false},
		{"sqlite3", "sqlite", "sqlite3", false},
		{"postgres", "postgres", "postgres", false},
		{"pgx", "postgres", "postgres", false},
		{"mysql", "mysql", "mysql", false},
		{"unknown", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if d.Name() != tt.wantName || d.GooseDialect() != tt.wantGoose {
				t.Errorf("got %s/%s, want %s/%s", d.Name(), d.GooseDialect(), tt.wantName, tt.wantGoose)
			}
		})
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		dialect DialectType
		want    string
	}{
		{SQLite, "SELECT id FROM pipelines WHERE project_id = ? AND ref = ?"},
		{Postgres, "SELECT id FROM pipelines WHERE project_id = $1 AND ref = $2"},
		{MySQL, "SELECT id FROM pipelines WHERE project_id = ? AND ref = ?"},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			d, _ := New(tt.dialect)
			query, args, err := sq.StatementBuilder.PlaceholderFormat(d.Placeholder()).
				Select("id").From("pipelines").
				Where(sq.Eq{"project_id": 1}).Where(sq.Eq{"ref": "main"}).
				ToSql()
			if err != nil {
				t.Fatalf("ToSql() error = %v", err)
			}
			if query != tt.want || len(args) != 2 {
				t.Errorf("query = %q (%d args), want %q", query, len(args), tt.want)
			}
		})
	}
}

func TestPartitioningSupport(t *testing.T) {
	for _, dt := range []DialectType{SQLite, Postgres, MySQL} {
		d, _ := New(dt)
		if got, want := d.SupportsPartitioning(), dt == Postgres; got != want {
			t.Errorf("%s SupportsPartitioning() = %v, want %v", dt, got, want)
		}
	}
}
