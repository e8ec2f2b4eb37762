package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/goleak"

	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunner_DrainRunsHandlers(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		args, _ := json.Marshal(PipelineArgs{PipelineID: i})
		if _, err := store.Enqueue(ctx, KindPipelineProcess, args, time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[int64]bool{}
	r := NewRunner(store, RunnerConfig{Concurrency: 3})
	r.Handle(KindPipelineProcess, func(ctx context.Context, job *ports.QueuedJob) error {
		args, err := Decode[PipelineArgs](job)
		if err != nil {
			return err
		}
		mu.Lock()
		seen[args.PipelineID] = true
		mu.Unlock()
		return nil
	})

	n, err := r.Drain(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 || len(seen) != 5 {
		t.Errorf("ran %d jobs, saw %d pipelines; want 5", n, len(seen))
	}
	if left := store.QueuedJobs(); len(left) != 0 {
		t.Errorf("expected empty queue, got %d jobs", len(left))
	}
}

func TestRunner_RetriesWithBackoff(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id, _ := store.Enqueue(ctx, "flaky", nil, now)

	r := NewRunner(store, RunnerConfig{Now: func() time.Time { return now }, RetryInitial: time.Minute})
	r.Handle("flaky", func(context.Context, *ports.QueuedJob) error { return errors.New("try again") })

	if _, err := r.Drain(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	jobs := store.QueuedJobs()
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("expected job to stay queued, got %+v", jobs)
	}
	if jobs[0].Dead || jobs[0].LastError != "try again" || !jobs[0].RunAt.Equal(now.Add(time.Minute)) {
		t.Errorf("unexpected retry state: %+v", jobs[0])
	}
}

func TestRunner_KillsAfterMaxAttempts(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()
	store.Enqueue(ctx, "broken", nil, now)

	r := NewRunner(store, RunnerConfig{MaxAttempts: 1, Now: func() time.Time { return now }})
	r.Handle("broken", func(context.Context, *ports.QueuedJob) error { return errors.New("boom") })
	if _, err := r.Drain(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	jobs := store.QueuedJobs()
	if len(jobs) != 1 || !jobs[0].Dead {
		t.Errorf("expected dead job, got %+v", jobs)
	}
}

func TestRunner_PermanentErrorKills(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	store.Enqueue(ctx, "bad-args", nil, time.Now())

	r := NewRunner(store, RunnerConfig{})
	r.Handle("bad-args", func(context.Context, *ports.QueuedJob) error {
		return backoff.Permanent(errors.New("cannot decode"))
	})
	if _, err := r.Drain(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs := store.QueuedJobs(); len(jobs) != 1 || !jobs[0].Dead {
		t.Errorf("expected dead job, got %+v", jobs)
	}
}

func TestRunner_UnknownKindAndPanic(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	store.Enqueue(ctx, "unknown", nil, time.Now())
	panicID, _ := store.Enqueue(ctx, "panics", nil, time.Now())

	r := NewRunner(store, RunnerConfig{})
	r.Handle("panics", func(context.Context, *ports.QueuedJob) error { panic("oops") })
	if _, err := r.Drain(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, job := range store.QueuedJobs() {
		switch job.ID {
		case panicID:
			if job.Dead || job.LastError == "" {
				t.Errorf("panicking job should be retried: %+v", job)
			}
		default:
			if !job.Dead {
				t.Errorf("job without handler should be dead: %+v", job)
			}
		}
	}
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())

	var ran atomic.Int32
	r := NewRunner(store, RunnerConfig{PollInterval: 5 * time.Millisecond})
	r.Handle("tick", func(context.Context, *ports.QueuedJob) error {
		ran.Add(1)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	store.Enqueue(context.Background(), "tick", nil, time.Now())
	deadline := time.After(2 * time.Second)
	for ran.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
}

func TestRunner_RetryDelayGrows(t *testing.T) {
	r := NewRunner(memory.New(), RunnerConfig{RetryInitial: time.Second, RetryMax: 10 * time.Second})
	if got := r.RetryDelay(1); got != time.Second {
		t.Errorf("RetryDelay(1) = %v, want 1s", got)
	}
	if got := r.RetryDelay(2); got != 1500*time.Millisecond {
		t.Errorf("RetryDelay(2) = %v, want 1.5s", got)
	}
	if got := r.RetryDelay(20); got != 10*time.Second {
		t.Errorf("RetryDelay(20) = %v, want capped 10s", got)
	}
}

func TestProcessSchedulerDeduplicates(t *testing.T) {
	store := memory.New()
	s := ProcessScheduler{Queue: store}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.ScheduleProcessing(ctx, 7); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	jobs := store.QueuedJobs()
	if len(jobs) != 1 || jobs[0].Kind != KindPipelineProcess {
		t.Errorf("expected one process job, got %+v", jobs)
	}
}
