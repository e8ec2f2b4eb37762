// Package ports defines the core interfaces of the pipeline service.
package ports

import (
	"context"
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// PipelineStore persists pipelines together with their stages and jobs.
type PipelineStore interface {
	// CreatePipeline writes a pipeline, its stages and its jobs atomically.
	// It assigns the pipeline ID, the per-project IID and the job IDs.
	CreatePipeline(ctx context.Context, p *domain.Pipeline) error

	// UpdatePipeline writes the status fields of a pipeline and all of its jobs.
	UpdatePipeline(ctx context.Context, p *domain.Pipeline) error

	// GetPipeline loads a pipeline with its stages and jobs.
	GetPipeline(ctx context.Context, id int64) (*domain.Pipeline, error)

	// ListPipelines lists pipelines newest first, without jobs.
	ListPipelines(ctx context.Context, opts PipelineListOptions) ([]*domain.Pipeline, error)

	// GetJob loads a single job.
	GetJob(ctx context.Context, id int64) (*domain.Job, error)

	// CountAlivePipelines counts created, pending and running pipelines of a project.
	CountAlivePipelines(ctx context.Context, projectID int64) (int, error)

	// CountActiveJobs counts jobs that are not complete in alive pipelines of a project.
	CountActiveJobs(ctx context.Context, projectID int64) (int, error)
}

// PipelineListOptions filters ListPipelines.
type PipelineListOptions struct {
	ProjectID int64
	Ref       string
	SHA       string
	Status    []domain.Status
	Source    domain.Source
	Limit     int
	Offset    int
}

// ScheduleStore persists pipeline schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id int64) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, projectID int64) ([]*domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error

	// DueSchedules returns active schedules whose next run is at or before now.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error)
}

// EnvironmentStore records deployment targets referenced by jobs.
type EnvironmentStore interface {
	EnsureEnvironment(ctx context.Context, projectID int64, name string) error
	EnsureResourceGroup(ctx context.Context, projectID int64, key string) error
}

// Store is the full storage surface used by the service.
type Store interface {
	PipelineStore
	ScheduleStore
	EnvironmentStore
	JobQueue

	Close() error
}
