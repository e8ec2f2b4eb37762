package basic

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "project:1", 3) {
			t.Fatalf("event %d rejected within limit", i+1)
		}
	}
	if l.Allow(ctx, "project:1", 3) {
		t.Error("fourth event allowed over limit")
	}
	if !l.Allow(ctx, "project:2", 3) {
		t.Error("keys must be limited independently")
	}

	now = now.Add(time.Minute)
	if !l.Allow(ctx, "project:1", 3) {
		t.Error("limit not reset after the window")
	}
}

func TestLimiter_NoLimit(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 100; i++ {
		if !l.Allow(context.Background(), "k", 0) {
			t.Fatal("zero limit must allow")
		}
	}
}

func TestLimiter_Remaining(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(WithWindow(10*time.Second), WithClock(func() time.Time { return now }))

	if left, reset := l.Remaining("k", 2); left != 2 || !reset.Equal(now.Add(10*time.Second)) {
		t.Errorf("Remaining() = %d, %v before any event", left, reset)
	}
	l.Allow(context.Background(), "k", 2)
	l.Allow(context.Background(), "k", 2)
	if left, _ := l.Remaining("k", 2); left != 0 {
		t.Errorf("Remaining() = %d, want 0", left)
	}
}

func TestLimiter_SweepsExpiredKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(WithClock(func() time.Time { return now }))
	l.Allow(context.Background(), "old", 1)

	now = now.Add(2 * time.Minute)
	l.Allow(context.Background(), "new", 1)
	if _, ok := l.buckets["old"]; ok {
		t.Error("expired bucket was not swept")
	}
}
