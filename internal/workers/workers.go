// Package workers binds the background job kinds to the service and runs
// the periodic schedule sweep.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/queue"
	"github.com/jackvz/gitlab-foss/internal/service"
)

// DefaultScheduleCron is when pending pipeline schedules are swept.
const DefaultScheduleCron = "3-59/10 * * * *"

const defaultDueLimit = 1000

// Backfiller copies a primary key range into a partitioned table.
type Backfiller interface {
	Backfill(ctx context.Context, args queue.BackfillArgs) error
}

// Config holds the collaborators of the workers.
type Config struct {
	Service *service.Service
	Queue   ports.JobQueue

	// Backfill handles partition_backfill jobs. Without it those jobs are
	// left for a process that has one.
	Backfill Backfiller

	ScheduleCron string
	DueLimit     int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Workers implements the job handlers.
type Workers struct {
	svc      *service.Service
	queue    ports.JobQueue
	backfill Backfiller
	spec     string
	dueLimit int
	now      func() time.Time
	logger   *slog.Logger
	cron     *cron.Cron
}

// New validates cfg and returns the workers.
func New(cfg Config) (*Workers, error) {
	if cfg.Service == nil || cfg.Queue == nil {
		return nil, errors.New("workers: service and queue required")
	}
	if cfg.ScheduleCron == "" {
		cfg.ScheduleCron = DefaultScheduleCron
	}
	if cfg.DueLimit <= 0 {
		cfg.DueLimit = defaultDueLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if _, err := cron.ParseStandard(cfg.ScheduleCron); err != nil {
		return nil, fmt.Errorf("workers: schedule cron %q: %w", cfg.ScheduleCron, err)
	}
	return &Workers{
		svc:      cfg.Service,
		queue:    cfg.Queue,
		backfill: cfg.Backfill,
		spec:     cfg.ScheduleCron,
		dueLimit: cfg.DueLimit,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Register installs the handlers on r.
func (w *Workers) Register(r *queue.Runner) {
	r.Handle(queue.KindPipelineSchedule, w.sweepSchedules)
	r.Handle(queue.KindRunPipelineSchedule, w.runSchedule)
	r.Handle(queue.KindPipelineProcess, w.processPipeline)
	if w.backfill != nil {
		r.Handle(queue.KindPartitionBackfill, w.backfillPartition)
	}
}

func (w *Workers) sweepSchedules(ctx context.Context, job *ports.QueuedJob) error {
	n, err := w.svc.EnqueueDueSchedules(ctx, w.dueLimit)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.InfoContext(ctx, "due schedules enqueued", slog.Int("count", n))
	}
	return nil
}

func (w *Workers) runSchedule(ctx context.Context, job *ports.QueuedJob) error {
	args, err := queue.Decode[queue.ScheduleArgs](job)
	if err != nil {
		return backoff.Permanent(err)
	}
	result, err := w.svc.RunSchedule(ctx, args.ScheduleID, args.NextRunAt, args.Manual)
	if err != nil {
		return err
	}
	if result != nil && !result.Success {
		// The failure is recorded on the pipeline; retrying would only
		// repeat it.
		w.logger.WarnContext(ctx, "scheduled pipeline not created",
			slog.Int64("schedule_id", args.ScheduleID),
			slog.Any("errors", result.Errors),
		)
	}
	return nil
}

func (w *Workers) processPipeline(ctx context.Context, job *ports.QueuedJob) error {
	args, err := queue.Decode[queue.PipelineArgs](job)
	if err != nil {
		return backoff.Permanent(err)
	}
	if _, err := w.svc.Processor().Process(ctx, args.PipelineID); err != nil {
		if domain.IsNotFound(err) {
			w.logger.InfoContext(ctx, "pipeline gone, nothing to process", slog.Int64("pipeline_id", args.PipelineID))
			return nil
		}
		return err
	}
	return nil
}

func (w *Workers) backfillPartition(ctx context.Context, job *ports.QueuedJob) error {
	args, err := queue.Decode[queue.BackfillArgs](job)
	if err != nil {
		return backoff.Permanent(err)
	}
	if args.Table == "" || args.EndID < args.StartID {
		return backoff.Permanent(fmt.Errorf("invalid backfill range %+v", args))
	}
	return w.backfill.Backfill(ctx, args)
}

// EnqueueSweep queues one schedule sweep for the tick at. Ticks are keyed
// by minute so several processes running the cron enqueue it once.
func (w *Workers) EnqueueSweep(ctx context.Context, at time.Time) error {
	tick := at.UTC().Truncate(time.Minute)
	key := fmt.Sprintf("%s:%d", queue.KindPipelineSchedule, tick.Unix())
	args, err := json.Marshal(struct {
		Tick time.Time `json:"tick"`
	}{tick})
	if err != nil {
		return err
	}
	if _, _, err := w.queue.EnqueueUnique(ctx, queue.KindPipelineSchedule, key, args, at); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}

// Start runs the periodic sweep until Stop is called.
func (w *Workers) Start(ctx context.Context) {
	w.cron = cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cronLogger{w.logger}))
	// The cron expression was validated in New.
	_, _ = w.cron.AddFunc(w.spec, func() {
		if err := w.EnqueueSweep(ctx, w.now()); err != nil {
			w.logger.ErrorContext(ctx, "enqueue schedule sweep", slog.String("error", err.Error()))
		}
	})
	w.cron.Start()
	w.logger.InfoContext(ctx, "schedule sweep started", slog.String("cron", w.spec))
}

// Stop stops the periodic sweep and waits for a running tick.
func (w *Workers) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
	w.cron = nil
}

// cronLogger routes robfig/cron logs to slog.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
