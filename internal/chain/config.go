package chain

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackvz/gitlab-foss/internal/ciconfig"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

//go:embed templates/auto-devops.yml
var autoDevOpsTemplate []byte

// ConfigContent finds the CI configuration of the pipeline.
type ConfigContent struct{ breakOnErrors }

func (ConfigContent) Name() string { return "Config::Content" }

func (ConfigContent) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	content, source, err := findConfig(ctx, p, cmd)
	if err != nil {
		return err
	}
	if content == nil {
		return fail(ctx, p, cmd, "Missing CI config file", "")
	}
	cmd.ConfigContent = content
	cmd.ConfigSource = source
	p.ConfigSource = source
	return nil
}

func findConfig(ctx context.Context, p *domain.Pipeline, cmd *Command) ([]byte, domain.ConfigSource, error) {
	if cmd.Content != "" {
		return []byte(cmd.Content), domain.ConfigSourceParameter, nil
	}
	if cmd.Repository != nil && p.SHA != "" {
		content, err := cmd.Repository.FileAt(ctx, p.SHA, cmd.Project.ConfigPath())
		switch {
		case err == nil:
			return content, domain.ConfigSourceRepository, nil
		case !errors.Is(err, ports.ErrFileNotFound):
			return nil, "", fmt.Errorf("read %s: %w", cmd.Project.ConfigPath(), err)
		}
	}
	if cmd.Project.AutoDevOps {
		return autoDevOpsTemplate, domain.ConfigSourceAutoDevOps, nil
	}
	return nil, "", nil
}

// ConfigProcess loads and validates the configuration content.
type ConfigProcess struct{ breakOnErrors }

func (ConfigProcess) Name() string { return "Config::Process" }

func (ConfigProcess) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	result := ciconfig.Load(cmd.ConfigContent)
	for _, w := range result.Warnings {
		warn(p, w)
	}
	if !result.Valid() {
		cmd.logger().DebugContext(ctx, "invalid CI configuration",
			slog.Int64("project_id", cmd.Project.ID),
			slog.Any("errors", result.Errors),
		)
		return failAll(ctx, p, cmd, result.Errors, domain.FailureConfigError)
	}
	cmd.Config = result.Config
	return nil
}

// RemoveUnwantedChatJobs keeps only the job a chat command asked for.
type RemoveUnwantedChatJobs struct{ neverBreak }

func (RemoveUnwantedChatJobs) Name() string { return "RemoveUnwantedChatJobs" }

func (RemoveUnwantedChatJobs) Perform(_ context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Config == nil {
		return errMissingConfig
	}
	if p.Source != domain.SourceChat || cmd.ChatData == nil {
		return nil
	}
	kept := cmd.Config.Jobs[:0]
	for _, job := range cmd.Config.Jobs {
		if job.Name == cmd.ChatData.Command {
			kept = append(kept, job)
		}
	}
	cmd.Config.Jobs = kept
	return nil
}
