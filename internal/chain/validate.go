package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// ValidateAbilities checks that the user may create a pipeline for the ref.
type ValidateAbilities struct{ breakOnErrors }

func (ValidateAbilities) Name() string { return "Validate::Abilities" }

func (ValidateAbilities) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	project := cmd.Project
	if project.PendingDelete {
		return fail(ctx, p, cmd, "Project is deleted!", domain.FailureProjectDeleted)
	}
	if !project.BuildsEnabled {
		return fail(ctx, p, cmd, "Pipelines are disabled!", "")
	}
	if cmd.User != nil && cmd.User.Blocked {
		return fail(ctx, p, cmd, "Insufficient permissions to create a new pipeline", domain.FailureUserBlocked)
	}
	if !allowedToCreatePipeline(cmd) {
		return fail(ctx, p, cmd, "Insufficient permissions to create a new pipeline", "")
	}
	if !allowedToWriteRef(cmd) {
		return fail(ctx, p, cmd, fmt.Sprintf("Insufficient permissions for protected ref '%s'", cmd.RefName()), "")
	}
	return nil
}

func allowedToCreatePipeline(cmd *Command) bool {
	// Child pipelines inherit the permissions of the parent.
	if cmd.Source == domain.SourceParentPipeline {
		return true
	}
	return cmd.Project.AccessLevelFor(cmd.User) >= domain.AccessDeveloper
}

func allowedToWriteRef(cmd *Command) bool {
	if !cmd.ProtectedRef() {
		return true
	}
	return cmd.Project.AccessLevelFor(cmd.User) >= domain.AccessMaintainer
}

// ValidateRepository checks that the ref and the commit exist.
type ValidateRepository struct{ breakOnErrors }

func (ValidateRepository) Name() string { return "Validate::Repository" }

func (ValidateRepository) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if !cmd.BranchExists(ctx) && !cmd.TagExists(ctx) {
		return fail(ctx, p, cmd, "Reference not found", "")
	}
	if cmd.SHA(ctx) == "" {
		return fail(ctx, p, cmd, "Commit not found", "")
	}
	commit, err := cmd.Commit(ctx)
	if err != nil {
		return err
	}
	if commit == nil {
		return fail(ctx, p, cmd, "Commit not found", "")
	}
	if cmd.AmbiguousRef(ctx) {
		return fail(ctx, p, cmd, "Ref is ambiguous", "")
	}
	return nil
}

// ValidateExternal asks the configured external service to accept the pipeline.
type ValidateExternal struct{ breakOnErrors }

func (ValidateExternal) Name() string { return "Validate::External" }

func (ValidateExternal) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.ExternalValidator == nil || !cmd.Project.ExternalValidation {
		return nil
	}
	// Jobs are attached by Populate, which runs later.
	candidate := *p
	candidate.Stages = cmd.StageSeeds
	ok, err := cmd.ExternalValidator.Validate(ctx, cmd.Project, cmd.User, &candidate)
	if err != nil {
		return err
	}
	if !ok {
		cmd.logger().InfoContext(ctx, "pipeline rejected by external validation",
			slog.Int64("project_id", cmd.Project.ID),
			slog.String("ref", p.Ref),
		)
		return fail(ctx, p, cmd, "External validation failed", domain.FailureExternalValidation)
	}
	return nil
}
