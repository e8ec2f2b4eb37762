package schedule

import (
	"testing"
	"time"
)

func TestNextRun(t *testing.T) {
	now := time.Date(2024, 3, 10, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		timezone string
		want     time.Time
	}{
		{name: "hourly", expr: "0 * * * *", want: time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC)},
		{name: "daily utc", expr: "0 2 * * *", want: time.Date(2024, 3, 11, 2, 0, 0, 0, time.UTC)},
		{name: "daily tokyo", expr: "0 9 * * *", timezone: "Asia/Tokyo", want: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
		{name: "descriptor", expr: "@daily", want: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.expr, tt.timezone, now, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextRunAlignedToWorker(t *testing.T) {
	now := time.Date(2024, 3, 10, 10, 30, 0, 0, time.UTC)
	worker, err := Parse("0 */2 * * *", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The schedule asks for 10:45 but the worker only runs at 12:00.
	got, err := NextRun("*/15 * * * *", "", now, worker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse("not cron", ""); err == nil {
		t.Error("expected syntax error")
	}
	if _, err := Parse("* * * * *", "Mars/Olympus"); err == nil {
		t.Error("expected timezone error")
	}
}
