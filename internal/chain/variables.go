package chain

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackvz/gitlab-foss/internal/ciconfig"
	"github.com/jackvz/gitlab-foss/internal/ciconfig/expression"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// predefinedVariables returns the variables every pipeline exposes.
func predefinedVariables(ctx context.Context, p *domain.Pipeline, cmd *Command) []domain.Variable {
	project := cmd.Project
	vars := []domain.Variable{
		{Key: "CI", Value: "true"},
		{Key: "GITLAB_CI", Value: "true"},
		{Key: "CI_PIPELINE_SOURCE", Value: string(p.Source)},
		{Key: "CI_PROJECT_ID", Value: strconv.FormatInt(project.ID, 10)},
		{Key: "CI_PROJECT_PATH", Value: project.FullPath},
		{Key: "CI_PROJECT_NAME", Value: projectName(project.FullPath)},
		{Key: "CI_DEFAULT_BRANCH", Value: project.DefaultBranch},
		{Key: "CI_CONFIG_PATH", Value: project.ConfigPath()},
		{Key: "CI_COMMIT_SHA", Value: p.SHA},
		{Key: "CI_COMMIT_SHORT_SHA", Value: shortSHA(p.SHA)},
		{Key: "CI_COMMIT_BEFORE_SHA", Value: beforeSHA(p.BeforeSHA)},
		{Key: "CI_COMMIT_REF_NAME", Value: p.Ref},
		{Key: "CI_COMMIT_REF_SLUG", Value: slug(p.Ref)},
		{Key: "CI_COMMIT_REF_PROTECTED", Value: strconv.FormatBool(cmd.ProtectedRef())},
	}
	if p.Tag {
		vars = append(vars, domain.Variable{Key: "CI_COMMIT_TAG", Value: p.Ref})
	} else {
		vars = append(vars, domain.Variable{Key: "CI_COMMIT_BRANCH", Value: p.Ref})
	}
	if commit, err := cmd.Commit(ctx); err == nil && commit != nil {
		title, _, _ := strings.Cut(commit.Message, "\n")
		vars = append(vars,
			domain.Variable{Key: "CI_COMMIT_MESSAGE", Value: commit.Message},
			domain.Variable{Key: "CI_COMMIT_TITLE", Value: title},
		)
	}
	if cmd.User != nil {
		vars = append(vars,
			domain.Variable{Key: "GITLAB_USER_ID", Value: strconv.FormatInt(cmd.User.ID, 10)},
			domain.Variable{Key: "GITLAB_USER_LOGIN", Value: cmd.User.Username},
			domain.Variable{Key: "GITLAB_USER_EMAIL", Value: cmd.User.Email},
		)
	}
	if cmd.TriggerRequest != nil {
		vars = append(vars, domain.Variable{Key: "CI_PIPELINE_TRIGGERED", Value: "true"})
	}
	if cmd.ChatData != nil {
		vars = append(vars, domain.Variable{Key: "CHAT_INPUT", Value: cmd.ChatData.Arguments})
	}
	return vars
}

// evaluationContext layers predefined, YAML and workflow variables under
// the pipeline variables.
func evaluationContext(ctx context.Context, p *domain.Pipeline, cmd *Command) ciconfig.Context {
	var yamlVars []domain.Variable
	if cmd.Config != nil {
		yamlVars = cmd.Config.Variables
	}
	return ciconfig.Context{
		Source:    p.Source,
		Ref:       p.Ref,
		Tag:       p.Tag,
		Variables: expression.Variables(ciconfig.VariableMap(predefinedVariables(ctx, p, cmd), yamlVars, cmd.WorkflowVariables)),
		Overrides: expression.Variables(ciconfig.VariableMap(p.Variables)),
	}
}

func projectName(fullPath string) string {
	if i := strings.LastIndexByte(fullPath, '/'); i >= 0 {
		return fullPath[i+1:]
	}
	return fullPath
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func beforeSHA(sha string) string {
	if sha == "" {
		return strings.Repeat("0", 40)
	}
	return sha
}

// slug lowercases s, replaces anything but a-z0-9 with "-", trims dashes
// and shortens it to 63 bytes.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	return strings.Trim(out, "-")
}
