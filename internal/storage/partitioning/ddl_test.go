package partitioning

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var auditEvents = Table{
	Name:       "audit_events",
	PrimaryKey: "id",
	Columns:    []string{"id", "author_id", "details", "created_at"},
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"audit_events", false},
		{"_private", false},
		{"t2", false},
		{"Audit", true},
		{"2fast", true},
		{"drop table;", true},
		{"", true},
		{strings.Repeat("a", 63), false},
		{strings.Repeat("a", 64), true},
	}
	for _, tt := range tests {
		if err := ValidIdentifier(tt.name); (err != nil) != tt.wantErr {
			t.Errorf("ValidIdentifier(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestRangeByDate(t *testing.T) {
	min := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	max := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	stmts, err := RangeByDate(auditEvents, "created_at", min, max)
	if err != nil {
		t.Fatalf("RangeByDate() error = %v", err)
	}

	want := []string{
		"CREATE TABLE audit_events_part (LIKE audit_events INCLUDING ALL EXCLUDING INDEXES, PRIMARY KEY (id, created_at)) PARTITION BY RANGE (created_at)",
		"CREATE TABLE audit_events_part_000000 PARTITION OF audit_events_part FOR VALUES FROM (MINVALUE) TO ('2024-01-01')",
		"CREATE TABLE audit_events_part_202401 PARTITION OF audit_events_part FOR VALUES FROM ('2024-01-01') TO ('2024-02-01')",
		"CREATE TABLE audit_events_part_202402 PARTITION OF audit_events_part FOR VALUES FROM ('2024-02-01') TO ('2024-03-01')",
		"CREATE TABLE audit_events_part_202403 PARTITION OF audit_events_part FOR VALUES FROM ('2024-03-01') TO ('2024-04-01')",
		"CREATE TABLE audit_events_part_202404 PARTITION OF audit_events_part FOR VALUES FROM ('2024-04-01') TO ('2024-05-01')",
	}
	if diff := cmp.Diff(want, stmts[:len(want)]); diff != "" {
		t.Errorf("partition statements mismatch (-want +got):\n%s", diff)
	}

	if len(stmts) != len(want)+2 {
		t.Fatalf("got %d statements, want %d", len(stmts), len(want)+2)
	}
	fn, trigger := stmts[len(want)], stmts[len(want)+1]
	for _, fragment := range []string{
		"CREATE OR REPLACE FUNCTION audit_events_sync()",
		"DELETE FROM audit_events_part WHERE id = OLD.id;",
		"UPDATE audit_events_part SET author_id = NEW.author_id, details = NEW.details, created_at = NEW.created_at WHERE audit_events_part.id = NEW.id;",
		"INSERT INTO audit_events_part (id, author_id, details, created_at)",
		"VALUES (NEW.id, NEW.author_id, NEW.details, NEW.created_at);",
		"RETURN NULL;",
	} {
		if !strings.Contains(fn, fragment) {
			t.Errorf("sync function missing %q:\n%s", fragment, fn)
		}
	}
	if !strings.Contains(trigger, "AFTER INSERT OR UPDATE OR DELETE ON audit_events") ||
		!strings.Contains(trigger, "EXECUTE FUNCTION audit_events_sync()") {
		t.Errorf("unexpected trigger:\n%s", trigger)
	}
}

func TestRangeByDateErrors(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := RangeByDate(auditEvents, "missing", now, now); err == nil {
		t.Error("expected error for unknown column")
	}
	if _, err := RangeByDate(auditEvents, "created_at", now, now.AddDate(0, -1, 0)); err == nil {
		t.Error("expected error for max before min")
	}
	bad := auditEvents
	bad.Name = "Audit-Events"
	if _, err := RangeByDate(bad, "created_at", now, now); err == nil {
		t.Error("expected error for invalid table name")
	}
	long := auditEvents
	long.Name = strings.Repeat("x", 59)
	if _, err := RangeByDate(long, "created_at", now, now); err == nil {
		t.Error("expected error when the partition name exceeds the identifier limit")
	}
}

func TestByHash(t *testing.T) {
	stmts, err := ByHash(auditEvents, "author_id", 4)
	if err != nil {
		t.Fatalf("ByHash() error = %v", err)
	}
	want := []string{
		"CREATE TABLE audit_events_part (LIKE audit_events INCLUDING ALL EXCLUDING INDEXES, PRIMARY KEY (id, author_id)) PARTITION BY HASH (author_id)",
		"CREATE TABLE audit_events_part_0 PARTITION OF audit_events_part FOR VALUES WITH (MODULUS 4, REMAINDER 0)",
		"CREATE TABLE audit_events_part_1 PARTITION OF audit_events_part FOR VALUES WITH (MODULUS 4, REMAINDER 1)",
		"CREATE TABLE audit_events_part_2 PARTITION OF audit_events_part FOR VALUES WITH (MODULUS 4, REMAINDER 2)",
		"CREATE TABLE audit_events_part_3 PARTITION OF audit_events_part FOR VALUES WITH (MODULUS 4, REMAINDER 3)",
	}
	if diff := cmp.Diff(want, stmts[:len(want)]); diff != "" {
		t.Errorf("hash statements mismatch (-want +got):\n%s", diff)
	}

	wide, err := ByHash(auditEvents, "id", 16)
	if err != nil {
		t.Fatalf("ByHash() error = %v", err)
	}
	if !strings.Contains(wide[0], "PRIMARY KEY (id)") {
		t.Errorf("partitioning on the primary key should not repeat it: %s", wide[0])
	}
	if !strings.HasPrefix(wide[1], "CREATE TABLE audit_events_part_00 ") {
		t.Errorf("partition names should be zero padded: %s", wide[1])
	}

	if _, err := ByHash(auditEvents, "author_id", 1); err == nil {
		t.Error("expected error for a single partition")
	}
}

func TestDropAndReplace(t *testing.T) {
	drop, err := Drop("audit_events")
	if err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	wantDrop := []string{
		"DROP TRIGGER IF EXISTS audit_events_sync_trigger ON audit_events",
		"DROP FUNCTION IF EXISTS audit_events_sync()",
		"DROP TABLE IF EXISTS audit_events_part",
	}
	if diff := cmp.Diff(wantDrop, drop); diff != "" {
		t.Errorf("Drop() mismatch (-want +got):\n%s", diff)
	}

	replace, err := Replace("audit_events")
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	wantReplace := []string{
		"DROP TRIGGER IF EXISTS audit_events_sync_trigger ON audit_events",
		"DROP FUNCTION IF EXISTS audit_events_sync()",
		"ALTER TABLE audit_events RENAME TO audit_events_archived",
		"ALTER TABLE audit_events_part RENAME TO audit_events",
	}
	if diff := cmp.Diff(wantReplace, replace); diff != "" {
		t.Errorf("Replace() mismatch (-want +got):\n%s", diff)
	}

	if _, err := Drop("x; DROP TABLE users"); err == nil {
		t.Error("expected error for invalid identifier")
	}
}

func TestCopyBatch(t *testing.T) {
	got, err := CopyBatch(auditEvents)
	if err != nil {
		t.Fatalf("CopyBatch() error = %v", err)
	}
	want := "INSERT INTO audit_events_part (id, author_id, details, created_at) SELECT id, author_id, details, created_at FROM audit_events WHERE id BETWEEN $1 AND $2 ORDER BY id ON CONFLICT DO NOTHING"
	if got != want {
		t.Errorf("CopyBatch() =\n%s\nwant\n%s", got, want)
	}
}
