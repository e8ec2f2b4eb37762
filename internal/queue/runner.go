package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// Handler runs one job. Returning an error wrapped with backoff.Permanent
// kills the job without further attempts.
type Handler func(ctx context.Context, job *ports.QueuedJob) error

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Runner claims jobs and dispatches them to handlers by kind.
type Runner struct {
	queue ports.JobQueue
	cfg   RunnerConfig

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner creates a runner. Zero config values get defaults.
func NewRunner(q ports.JobQueue, cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 25
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 15 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 6 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{queue: q, cfg: cfg, handlers: make(map[string]Handler)}
}

// Handle registers the handler of a job kind.
func (r *Runner) Handle(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Kinds returns the registered job kinds.
func (r *Runner) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Run polls the queue until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.cfg.Logger.InfoContext(ctx, "job runner started",
		slog.Int("concurrency", r.cfg.Concurrency),
		slog.Duration("poll_interval", r.cfg.PollInterval),
	)
	_, err := r.loop(ctx, Forever(r.cfg.PollInterval))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Drain runs jobs until nothing is runnable and returns how many ran.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	return r.loop(ctx, Backlog())
}

func (r *Runner) loop(ctx context.Context, policy Policy) (int, error) {
	return Loop(ctx, 0, func(ctx context.Context, total int) (int, Next) {
		n, err := r.tick(ctx)
		if err != nil {
			r.cfg.Logger.ErrorContext(ctx, "claim jobs", slog.String("error", err.Error()))
		}
		return total + n, policy.Next(n > 0, err)
	})
}

// tick claims up to Concurrency jobs and runs them in parallel.
func (r *Runner) tick(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	claimed := 0
	var claimErr error
	for claimed < r.cfg.Concurrency {
		job, err := r.queue.Claim(ctx, r.cfg.Now(), r.cfg.Lease)
		if err != nil {
			claimErr = fmt.Errorf("claim job: %w", err)
			break
		}
		if job == nil {
			break
		}
		claimed++
		g.Go(func() error {
			r.process(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return claimed, claimErr
}

func (r *Runner) process(ctx context.Context, job *ports.QueuedJob) {
	logger := r.cfg.Logger.With(
		slog.Int64("queued_job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempts),
	)

	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		logger.ErrorContext(ctx, "no handler for job kind")
		if err := r.queue.Kill(ctx, job.ID, fmt.Sprintf("no handler registered for %s", job.Kind)); err != nil {
			logger.ErrorContext(ctx, "kill job", slog.String("error", err.Error()))
		}
		return
	}

	started := time.Now()
	err := r.safeRun(ctx, handler, job)
	if err == nil {
		if err := r.queue.Complete(ctx, job.ID); err != nil {
			logger.ErrorContext(ctx, "complete job", slog.String("error", err.Error()))
			return
		}
		logger.DebugContext(ctx, "job completed", slog.Duration("duration", time.Since(started)))
		return
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) || job.Attempts >= r.cfg.MaxAttempts {
		logger.ErrorContext(ctx, "job failed permanently", slog.String("error", err.Error()))
		if err := r.queue.Kill(ctx, job.ID, err.Error()); err != nil {
			logger.ErrorContext(ctx, "kill job", slog.String("error", err.Error()))
		}
		return
	}

	runAt := r.cfg.Now().Add(r.RetryDelay(job.Attempts))
	logger.WarnContext(ctx, "job failed, retrying",
		slog.String("error", err.Error()),
		slog.Time("run_at", runAt),
	)
	if err := r.queue.Retry(ctx, job.ID, runAt, err.Error()); err != nil {
		logger.ErrorContext(ctx, "retry job", slog.String("error", err.Error()))
	}
}

func (r *Runner) safeRun(ctx context.Context, h Handler, job *ports.QueuedJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}

// RetryDelay is the exponential delay before the given attempt is retried.
func (r *Runner) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
