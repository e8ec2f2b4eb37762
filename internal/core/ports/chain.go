package ports

import (
	"context"
	"time"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// Metrics receives pipeline creation measurements.
type Metrics interface {
	ObserveStepDuration(step string, d time.Duration)
	ObserveCreationDuration(source domain.Source, d time.Duration)
	ObservePipelineSize(source domain.Source, jobs int)
	IncrementFailureReason(reason domain.FailureReason)
	IncrementPipelinesCreated(source domain.Source)
}

// ExternalValidator asks an outside service whether a pipeline may run.
type ExternalValidator interface {
	// Validate returns false when the pipeline is rejected. Errors are
	// reserved for failures that must abort creation.
	Validate(ctx context.Context, project *domain.Project, user *domain.User, pipeline *domain.Pipeline) (bool, error)
}

// ProcessScheduler arranges for a persisted pipeline to be processed.
type ProcessScheduler interface {
	ScheduleProcessing(ctx context.Context, pipelineID int64) error
}
