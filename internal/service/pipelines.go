package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackvz/gitlab-foss/internal/adapters/auth/apikey"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/processing"
)

// GetPipeline returns a pipeline of project with its jobs.
func (s *Service) GetPipeline(ctx context.Context, projectID, pipelineID int64, user *domain.User) (*domain.Pipeline, error) {
	if _, err := s.Project(ctx, projectID, user, domain.AccessReporter); err != nil {
		return nil, err
	}
	return s.projectPipeline(ctx, projectID, pipelineID)
}

func (s *Service) projectPipeline(ctx context.Context, projectID, pipelineID int64) (*domain.Pipeline, error) {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.ErrNotFound("404 Not found")
		}
		return nil, err
	}
	if p.ProjectID != projectID {
		return nil, domain.ErrNotFound("404 Not found")
	}
	return p, nil
}

// ListPipelines lists the pipelines of a project newest first.
func (s *Service) ListPipelines(ctx context.Context, user *domain.User, opts ports.PipelineListOptions) ([]*domain.Pipeline, error) {
	if _, err := s.Project(ctx, opts.ProjectID, user, domain.AccessReporter); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}
	return s.store.ListPipelines(ctx, opts)
}

// RetryPipeline reruns the failed, canceled and skipped jobs of a pipeline.
func (s *Service) RetryPipeline(ctx context.Context, projectID, pipelineID int64, user *domain.User) (*domain.Pipeline, error) {
	if _, err := s.Project(ctx, projectID, user, domain.AccessDeveloper); err != nil {
		return nil, err
	}
	p, err := s.projectPipeline(ctx, projectID, pipelineID)
	if err != nil {
		return nil, err
	}
	if !processing.Retry(p, s.now()) {
		return nil, domain.ErrConflict("Pipeline cannot be retried")
	}
	if err := s.store.UpdatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("store pipeline %d: %w", p.ID, err)
	}
	s.logger.InfoContext(ctx, "pipeline retried",
		slog.Int64("pipeline_id", p.ID),
		slog.Int64("user_id", user.ID),
	)
	return p, nil
}

// CancelPipeline cancels every unfinished job of a pipeline.
func (s *Service) CancelPipeline(ctx context.Context, projectID, pipelineID int64, user *domain.User) (*domain.Pipeline, error) {
	if _, err := s.Project(ctx, projectID, user, domain.AccessDeveloper); err != nil {
		return nil, err
	}
	p, err := s.projectPipeline(ctx, projectID, pipelineID)
	if err != nil {
		return nil, err
	}
	if !processing.Cancel(p, s.now()) {
		return nil, domain.ErrConflict("Pipeline cannot be canceled")
	}
	if err := s.store.UpdatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("store pipeline %d: %w", p.ID, err)
	}
	s.logger.InfoContext(ctx, "pipeline canceled",
		slog.Int64("pipeline_id", p.ID),
		slog.Int64("user_id", user.ID),
	)
	return p, nil
}

// UpdateJobStatus applies a status reported by a runner and reprocesses
// the pipeline of the job.
func (s *Service) UpdateJobStatus(ctx context.Context, jobID int64, status domain.Status, user *domain.User) (*domain.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.ErrNotFound("404 Job Not Found")
		}
		return nil, err
	}
	p, err := s.store.GetPipeline(ctx, job.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %d: %w", job.PipelineID, err)
	}
	if _, err := s.Project(ctx, p.ProjectID, user, domain.AccessDeveloper); err != nil {
		return nil, err
	}

	p, err = s.processor.UpdateJobStatus(ctx, jobID, status)
	if err != nil {
		return nil, err
	}
	for _, j := range p.Jobs() {
		if j.ID == jobID {
			return j, nil
		}
	}
	return nil, domain.ErrNotFound("404 Job Not Found")
}

// Trigger creates a pipeline for the owner of a trigger token.
func (s *Service) Trigger(ctx context.Context, projectID int64, token, ref string, variables []domain.Variable) (*Result, error) {
	project, err := s.directory.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	trigger, ok := apikey.FindTrigger(project, token)
	if !ok {
		return nil, domain.ErrNotFound("404 Not Found")
	}
	owner, err := s.directory.User(ctx, trigger.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("trigger owner: %w", err)
	}
	return s.CreatePipeline(ctx, project, owner, domain.SourceTrigger, CreateParams{
		Ref:       ref,
		Variables: variables,
		Trigger:   trigger,
	})
}
