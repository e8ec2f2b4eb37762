// Package service exposes pipeline creation and management to the
// transports. It resolves collaborators, checks permissions and runs the
// creation chain.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackvz/gitlab-foss/internal/chain"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/processing"
	"github.com/jackvz/gitlab-foss/internal/schedule"
)

// Config holds the collaborators of a Service.
type Config struct {
	Store        ports.Store
	Directory    ports.Directory
	Repositories ports.RepositoryProvider

	// Optional.
	Sequence    *chain.Sequence
	Processor   *processing.Processor
	Scheduler   ports.ProcessScheduler
	Metrics     ports.Metrics
	Validator   ports.ExternalValidator
	RateLimiter ports.RateLimiter
	PartitionID int64
	WorkerCron  *schedule.Cron
	Now         func() time.Time
	Logger      *slog.Logger
}

// Service implements the pipeline operations.
type Service struct {
	store        ports.Store
	directory    ports.Directory
	repositories ports.RepositoryProvider
	sequence     *chain.Sequence
	processor    *processing.Processor
	scheduler    ports.ProcessScheduler
	metrics      ports.Metrics
	validator    ports.ExternalValidator
	limiter      ports.RateLimiter
	partitionID  int64
	workerCron   *schedule.Cron
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("service: store required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("service: directory required")
	}
	if cfg.Repositories == nil {
		return nil, fmt.Errorf("service: repository provider required")
	}
	s := &Service{
		store:        cfg.Store,
		directory:    cfg.Directory,
		repositories: cfg.Repositories,
		sequence:     cfg.Sequence,
		processor:    cfg.Processor,
		scheduler:    cfg.Scheduler,
		metrics:      cfg.Metrics,
		validator:    cfg.Validator,
		limiter:      cfg.RateLimiter,
		partitionID:  cfg.PartitionID,
		workerCron:   cfg.WorkerCron,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	if s.sequence == nil {
		s.sequence = chain.NewCreationSequence()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.processor == nil {
		s.processor = processing.New(cfg.Store, processing.WithClock(s.now), processing.WithLogger(s.logger))
	}
	return s, nil
}

// Processor returns the pipeline processor used by the service.
func (s *Service) Processor() *processing.Processor {
	return s.processor
}

// CreateParams describes a pipeline creation request.
type CreateParams struct {
	Ref          string
	CheckoutSHA  string
	BeforeSHA    string
	SourceSHA    string
	TargetSHA    string
	Variables    []domain.Variable
	PushOptions  []string
	Content      string
	DryRun       bool
	IgnoreSkipCI bool

	Schedule       *domain.Schedule
	Trigger        *domain.Trigger
	ParentPipeline *domain.Pipeline
	ChatData       *chain.ChatData
}

// Result is the outcome of a creation request. Errors mirror the
// validation messages recorded on the pipeline.
type Result struct {
	Pipeline *domain.Pipeline
	Errors   []string
	Warnings []string
	Success  bool
}

// CreatePipeline runs the creation chain for user in project.
func (s *Service) CreatePipeline(ctx context.Context, project *domain.Project, user *domain.User, source domain.Source, params CreateParams) (*Result, error) {
	if project == nil {
		return nil, domain.ErrNotFound("404 Project Not Found")
	}
	if params.Ref == "" {
		return nil, domain.ErrInvalidRequest("ref is missing")
	}
	repo, err := s.repositories.RepositoryFor(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	logger := s.logger.With(
		slog.Int64("project_id", project.ID),
		slog.String("source", string(source)),
		slog.String("ref", params.Ref),
	)
	cmd := &chain.Command{
		Source:          source,
		Project:         project,
		User:            user,
		OriginRef:       params.Ref,
		CheckoutSHA:     params.CheckoutSHA,
		BeforeSHA:       params.BeforeSHA,
		SourceSHA:       params.SourceSHA,
		TargetSHA:       params.TargetSHA,
		Schedule:        params.Schedule,
		TriggerRequest:  params.Trigger,
		ParentPipeline:  params.ParentPipeline,
		IgnoreSkipCI:    params.IgnoreSkipCI,
		SaveIncompleted: !params.DryRun,
		Variables:       params.Variables,
		PushOptions:     params.PushOptions,
		ChatData:        params.ChatData,
		Content:         params.Content,
		DryRun:          params.DryRun,
		PartitionID:     s.partitionID,
		Logger:          logger,

		Repository:        repo,
		Store:             s.store,
		Metrics:           s.metrics,
		ExternalValidator: s.validator,
		RateLimiter:       s.limiter,
		Processor:         s.scheduler,
		Now:               s.now,
	}

	p := &domain.Pipeline{}
	if err := s.sequence.Build(ctx, p, cmd); err != nil {
		logger.ErrorContext(ctx, "pipeline creation failed", slog.String("error", err.Error()))
		return nil, err
	}

	result := &Result{
		Pipeline: p,
		Errors:   append([]string(nil), p.Errors...),
		Warnings: append([]string(nil), p.Warnings...),
		Success:  !p.HasErrors() && (p.Persisted() || params.DryRun),
	}
	logger.InfoContext(ctx, "pipeline creation finished",
		slog.Int64("pipeline_id", p.ID),
		slog.String("status", string(p.Status)),
		slog.Bool("success", result.Success),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// Project resolves a project and checks that user has at least level.
func (s *Service) Project(ctx context.Context, projectID int64, user *domain.User, level domain.AccessLevel) (*domain.Project, error) {
	project, err := s.directory.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := authorize(project, user, level); err != nil {
		return nil, err
	}
	return project, nil
}

// authorize hides projects from non-members and rejects members below level.
func authorize(project *domain.Project, user *domain.User, level domain.AccessLevel) error {
	have := project.AccessLevelFor(user)
	if have == domain.AccessNone {
		return domain.ErrNotFound("404 Project Not Found")
	}
	if have < level {
		return domain.ErrPermission("403 Forbidden")
	}
	return nil
}
