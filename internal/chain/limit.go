package chain

import (
	"context"
	"fmt"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// LimitRateLimit throttles pipeline creation per project, user and commit.
type LimitRateLimit struct{ breakOnErrors }

func (LimitRateLimit) Name() string { return "Limit::RateLimit" }

func (LimitRateLimit) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	limit := cmd.Project.Limits.PipelinesPerMinute
	if limit <= 0 || cmd.RateLimiter == nil || cmd.DryRun || cmd.Source == domain.SourceParentPipeline {
		return nil
	}
	var userID int64
	if cmd.User != nil {
		userID = cmd.User.ID
	}
	key := fmt.Sprintf("pipelines_create:%d:%d:%s", cmd.Project.ID, userID, p.SHA)
	if cmd.RateLimiter.Allow(ctx, key, limit) {
		return nil
	}
	return fail(ctx, p, cmd, "Too many pipelines created in the last minute. Try again later.", "")
}

// LimitSize rejects pipelines with more jobs than the project allows.
type LimitSize struct{ breakOnErrors }

func (LimitSize) Name() string { return "Limit::Size" }

func (LimitSize) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	limit := cmd.Project.Limits.PipelineSize
	if limit <= 0 {
		return nil
	}
	if size := seedJobCount(cmd); size > limit {
		return fail(ctx, p, cmd,
			fmt.Sprintf("The number of jobs has exceeded the limit of %d. Try splitting the configuration with parent-child-pipelines.", limit),
			domain.FailureSizeLimitExceeded)
	}
	return nil
}

// LimitActiveJobs rejects pipelines that would exceed the active job limit.
type LimitActiveJobs struct{ breakOnErrors }

func (LimitActiveJobs) Name() string { return "Limit::ActiveJobs" }

func (LimitActiveJobs) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	limit := cmd.Project.Limits.ActiveJobs
	if limit <= 0 || cmd.Store == nil {
		return nil
	}
	active, err := cmd.Store.CountActiveJobs(ctx, cmd.Project.ID)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active+seedJobCount(cmd) > limit {
		return fail(ctx, p, cmd,
			"Project exceeded the allowed number of jobs in active pipelines. Retry later.",
			domain.FailureJobActivityLimitExceeded)
	}
	return nil
}

// LimitDeployments rejects pipelines with too many deployment jobs.
type LimitDeployments struct{ breakOnErrors }

func (LimitDeployments) Name() string { return "Limit::Deployments" }

func (LimitDeployments) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	limit := cmd.Project.Limits.Deployments
	if limit <= 0 {
		return nil
	}
	deployments := 0
	for _, stage := range cmd.StageSeeds {
		for _, job := range stage.Jobs {
			if job.Environment != "" {
				deployments++
			}
		}
	}
	if deployments > limit {
		return fail(ctx, p, cmd,
			fmt.Sprintf("Pipeline has too many deployments! Requested %d, but the limit is %d.", deployments, limit),
			domain.FailureDeploymentsLimitExceeded)
	}
	return nil
}

// LimitActivity drops a freshly created pipeline when the project already
// has too many alive pipelines.
type LimitActivity struct{ breakOnErrors }

func (LimitActivity) Name() string { return "Limit::Activity" }

func (LimitActivity) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	limit := cmd.Project.Limits.ActivePipelines
	if limit <= 0 || cmd.Store == nil {
		return nil
	}
	alive, err := cmd.Store.CountAlivePipelines(ctx, cmd.Project.ID)
	if err != nil {
		return fmt.Errorf("count alive pipelines: %w", err)
	}
	if alive > limit {
		return fail(ctx, p, cmd,
			fmt.Sprintf("Active pipelines limit exceeded by %d pipelines!", alive-limit),
			domain.FailureActivityLimitExceeded)
	}
	return nil
}

func seedJobCount(cmd *Command) int {
	n := 0
	for _, stage := range cmd.StageSeeds {
		n += len(stage.Jobs)
	}
	return n
}
