package chain

import (
	"context"
	"strings"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// Build fills the pipeline attributes from the command.
type Build struct{ neverBreak }

func (Build) Name() string { return "Build" }

func (Build) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	now := cmd.now()
	p.ProjectID = cmd.Project.ID
	p.Source = cmd.Source
	p.Ref = cmd.RefName()
	p.Tag = cmd.Tag(ctx)
	p.SHA = cmd.SHA(ctx)
	p.BeforeSHA = cmd.BeforeSHA
	p.SourceSHA = cmd.SourceSHA
	p.TargetSHA = cmd.TargetSHA
	p.Status = domain.StatusCreated
	p.CreatedAt = now
	p.UpdatedAt = now
	if cmd.User != nil {
		p.UserID = cmd.User.ID
	}
	if cmd.Schedule != nil {
		p.ScheduleID = cmd.Schedule.ID
	}

	p.Variables = append(p.Variables, cmd.Variables...)
	p.Variables = append(p.Variables, pushOptionVariables(cmd.PushOptions)...)
	return nil
}

// pushOptionVariables extracts `ci.variable="KEY=VALUE"` push options.
func pushOptionVariables(options []string) []domain.Variable {
	var vars []domain.Variable
	for _, opt := range options {
		raw, ok := strings.CutPrefix(opt, "ci.variable=")
		if !ok {
			continue
		}
		raw = strings.Trim(raw, `"'`)
		key, value, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			continue
		}
		vars = append(vars, domain.Variable{Key: key, Value: value})
	}
	return vars
}
