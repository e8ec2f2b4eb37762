package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackvz/gitlab-foss/internal/ciconfig"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// LintParams selects what to lint. Without content the configuration file
// of the project at ref is used.
type LintParams struct {
	Content string
	Ref     string
	DryRun  bool
}

// LintJob summarizes one job of a linted configuration.
type LintJob struct {
	Name         string   `json:"name"`
	Stage        string   `json:"stage"`
	When         string   `json:"when"`
	AllowFailure bool     `json:"allow_failure"`
	Needs        []string `json:"needs,omitempty"`
	Environment  string   `json:"environment,omitempty"`
}

// LintResult is the outcome of Lint.
type LintResult struct {
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors"`
	Warnings []string  `json:"warnings"`
	Jobs     []LintJob `json:"jobs,omitempty"`
}

// Lint validates a CI configuration. A dry run simulates pipeline creation
// for the ref, so rules and workflow rules are evaluated as well.
func (s *Service) Lint(ctx context.Context, project *domain.Project, user *domain.User, params LintParams) (*LintResult, error) {
	if params.Ref == "" {
		params.Ref = project.DefaultBranch
	}
	if params.DryRun {
		return s.lintDryRun(ctx, project, user, params)
	}

	content := []byte(params.Content)
	if params.Content == "" {
		var err error
		content, err = s.configAt(ctx, project, params.Ref)
		if err != nil {
			return nil, err
		}
	}
	return LintContent(content), nil
}

// LintContent statically validates content.
func LintContent(content []byte) *LintResult {
	loaded := ciconfig.Load(content)
	result := &LintResult{
		Valid:    loaded.Valid(),
		Errors:   nonNil(loaded.Errors),
		Warnings: nonNil(loaded.Warnings),
	}
	if loaded.Config == nil {
		return result
	}
	for _, job := range loaded.Config.Jobs {
		lj := LintJob{
			Name:         job.Name,
			Stage:        job.Stage,
			When:         string(job.When),
			AllowFailure: job.AllowFailure,
			Environment:  job.Environment,
		}
		for _, need := range job.Needs {
			lj.Needs = append(lj.Needs, need.Job)
		}
		result.Jobs = append(result.Jobs, lj)
	}
	return result
}

func (s *Service) lintDryRun(ctx context.Context, project *domain.Project, user *domain.User, params LintParams) (*LintResult, error) {
	created, err := s.CreatePipeline(ctx, project, user, domain.SourcePush, CreateParams{
		Ref:     params.Ref,
		Content: params.Content,
		DryRun:  true,
	})
	if err != nil {
		return nil, err
	}
	result := &LintResult{
		Valid:    len(created.Errors) == 0,
		Errors:   nonNil(created.Errors),
		Warnings: nonNil(created.Warnings),
	}
	for _, job := range created.Pipeline.Jobs() {
		result.Jobs = append(result.Jobs, LintJob{
			Name:         job.Name,
			Stage:        job.StageName,
			When:         string(job.When),
			AllowFailure: job.AllowFailure,
			Needs:        job.Needs,
			Environment:  job.Environment,
		})
	}
	return result, nil
}

func (s *Service) configAt(ctx context.Context, project *domain.Project, ref string) ([]byte, error) {
	repo, err := s.repositories.RepositoryFor(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	sha, ok := repo.BranchSHA(ctx, ref)
	if !ok {
		if sha, ok = repo.TagSHA(ctx, ref); !ok {
			return nil, domain.ErrInvalidRequest("Reference not found")
		}
	}
	content, err := repo.FileAt(ctx, sha, project.ConfigPath())
	if errors.Is(err, ports.ErrFileNotFound) {
		return nil, domain.ErrInvalidRequest("Missing CI config file")
	}
	return content, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
