// Package processing advances the statuses of persisted pipelines.
//
// Processing walks the stages in order. A job still in created is released
// once everything it waits on is complete: the jobs of earlier stages, or
// only its needs when it has any. Its `when` then decides whether it becomes
// pending, manual, scheduled or is skipped. Stage and pipeline statuses are
// the composite status of their jobs. Processing the same pipeline twice
// without outside changes is a no-op.
package processing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackvz/gitlab-foss/internal/ciconfig"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// Processor loads, processes and stores pipelines.
type Processor struct {
	store  ports.PipelineStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// New creates a processor backed by store.
func New(store ports.PipelineStore, opts ...Option) *Processor {
	p := &Processor{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process brings the statuses of a stored pipeline up to date.
func (pr *Processor) Process(ctx context.Context, pipelineID int64) (*domain.Pipeline, error) {
	p, err := pr.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	if !Update(p, pr.now()) {
		return p, nil
	}
	if err := pr.store.UpdatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("store pipeline %d: %w", p.ID, err)
	}
	pr.logger.DebugContext(ctx, "pipeline processed",
		slog.Int64("pipeline_id", p.ID),
		slog.String("status", string(p.Status)),
	)
	return p, nil
}

// UpdateJobStatus applies a status reported for a job and reprocesses its
// pipeline. Transitions that are not allowed return a conflict error.
func (pr *Processor) UpdateJobStatus(ctx context.Context, jobID int64, status domain.Status) (*domain.Pipeline, error) {
	job, err := pr.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	p, err := pr.store.GetPipeline(ctx, job.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	target := findJob(p, jobID)
	if target == nil {
		return nil, fmt.Errorf("job %d: %w", jobID, domain.ErrRecordNotFound)
	}
	if target.Status == status {
		return p, nil
	}
	if !CanTransition(target.Status, status) {
		return nil, domain.ErrConflict(fmt.Sprintf("job %d cannot transition from %s to %s", jobID, target.Status, status))
	}

	now := pr.now()
	Transition(target, status, now)
	Update(p, now)
	if err := pr.store.UpdatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("store pipeline %d: %w", p.ID, err)
	}
	pr.logger.InfoContext(ctx, "job status updated",
		slog.Int64("job_id", jobID),
		slog.Int64("pipeline_id", p.ID),
		slog.String("status", string(status)),
	)
	return p, nil
}

func findJob(p *domain.Pipeline, id int64) *domain.Job {
	for _, job := range p.Jobs() {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// Update processes p in memory and reports whether anything changed.
// Pipelines dropped during creation keep their failure.
func Update(p *domain.Pipeline, now time.Time) bool {
	if p.FailureReason != "" {
		return false
	}
	changed := false
	for {
		progressed := releaseDelayed(p, now)
		for _, stage := range p.Stages {
			for _, job := range stage.Jobs {
				if job.Status != domain.StatusCreated {
					continue
				}
				if processJob(p, job, now) {
					progressed = true
				}
			}
		}
		if !progressed {
			break
		}
		changed = true
	}

	for _, stage := range p.Stages {
		status := domain.NewCompositeStatus(stage.Jobs).Status()
		if status != "" && stage.Status != status {
			stage.Status = status
			changed = true
		}
	}
	if status := domain.NewCompositeStatus(p.Jobs()).Status(); status != "" && p.Status != status {
		setPipelineStatus(p, status, now)
		changed = true
	}
	return changed
}

// releaseDelayed moves scheduled jobs whose time has come to pending.
func releaseDelayed(p *domain.Pipeline, now time.Time) bool {
	released := false
	for _, job := range p.Jobs() {
		if job.Status == domain.StatusScheduled && job.ScheduledAt != nil && !job.ScheduledAt.After(now) {
			job.Status = domain.StatusPending
			released = true
		}
	}
	return released
}

// processJob releases a created job when its dependencies are complete.
func processJob(p *domain.Pipeline, job *domain.Job, now time.Time) bool {
	deps := dependencies(p, job)
	status := domain.NewCompositeStatus(deps).Status()
	if status == "" {
		status = domain.StatusSuccess
	}
	if !status.IsComplete() {
		return false
	}

	if !validDependencyStatus(job, status) {
		job.Status = domain.StatusSkipped
		return true
	}
	switch job.When {
	case domain.WhenManual:
		job.Status = domain.StatusManual
	case domain.WhenDelayed:
		delay, err := ciconfig.ParseStartIn(job.StartIn)
		if err != nil {
			delay = 0
		}
		at := now.Add(delay)
		job.ScheduledAt = &at
		job.Status = domain.StatusScheduled
		if delay == 0 {
			job.Status = domain.StatusPending
		}
	default:
		job.Status = domain.StatusPending
	}
	return true
}

// dependencies returns the jobs job waits on.
func dependencies(p *domain.Pipeline, job *domain.Job) []*domain.Job {
	var deps []*domain.Job
	if job.HasNeeds() {
		for _, name := range job.Needs {
			if dep := p.FindJob(name); dep != nil {
				deps = append(deps, dep)
			}
		}
		return deps
	}
	for _, stage := range p.Stages {
		if stage.Position >= job.StageIdx {
			continue
		}
		deps = append(deps, stage.Jobs...)
	}
	return deps
}

// validDependencyStatus reports whether a job with the given `when` runs
// after its dependencies finished with status.
func validDependencyStatus(job *domain.Job, status domain.Status) bool {
	switch job.When {
	case domain.WhenOnFailure:
		return status == domain.StatusFailed
	case domain.WhenAlways:
		return status == domain.StatusSuccess || status == domain.StatusFailed || status == domain.StatusSkipped
	default:
		if job.HasNeeds() {
			return status == domain.StatusSuccess
		}
		return status == domain.StatusSuccess || status == domain.StatusSkipped
	}
}

func setPipelineStatus(p *domain.Pipeline, status domain.Status, now time.Time) {
	p.Status = status
	if status == domain.StatusRunning && p.StartedAt == nil {
		p.StartedAt = &now
	}
	if status.IsComplete() {
		p.FinishedAt = &now
	} else {
		p.FinishedAt = nil
	}
	p.UpdatedAt = now
}
