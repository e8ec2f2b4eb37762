package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackvz/gitlab-foss/internal/ciconfig"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// RulesFailureMessage is recorded when rules filter out every job.
const RulesFailureMessage = "Pipeline will not run for the selected trigger. " +
	"The rules configuration prevented any jobs from being added to the pipeline."

var errMissingConfig = errors.New("missing CI configuration")

// SeedBlock lets the caller adjust the pipeline before it is seeded.
type SeedBlock struct{ neverBreak }

func (SeedBlock) Name() string { return "SeedBlock" }

func (SeedBlock) Perform(_ context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.SeedsBlock != nil {
		cmd.SeedsBlock(p)
	}
	return nil
}

// EvaluateWorkflowRules stops pipelines filtered out by `workflow:rules`.
type EvaluateWorkflowRules struct{ breakOnErrors }

func (EvaluateWorkflowRules) Name() string { return "EvaluateWorkflowRules" }

func (EvaluateWorkflowRules) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Config == nil {
		return errMissingConfig
	}
	included, vars, err := cmd.Config.EvaluateWorkflow(evaluationContext(ctx, p, cmd))
	if err != nil {
		return fail(ctx, p, cmd, "workflow:"+err.Error(), domain.FailureConfigError)
	}
	if !included {
		return fail(ctx, p, cmd, "Pipeline filtered out by workflow rules.", domain.FailureFilteredByWorkflowRules)
	}
	cmd.WorkflowVariables = vars
	return nil
}

// Seed decides which jobs take part in the pipeline and builds their stages.
type Seed struct{ breakOnErrors }

func (Seed) Name() string { return "Seed" }

func (Seed) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Config == nil {
		return errMissingConfig
	}
	evalCtx := evaluationContext(ctx, p, cmd)
	now := cmd.now()

	type seeded struct {
		job  *domain.Job
		spec *ciconfig.Job
	}
	var jobs []seeded
	names := map[string]bool{}
	for _, spec := range cmd.Config.Jobs {
		d, err := spec.Evaluate(evalCtx)
		if err != nil {
			return fail(ctx, p, cmd, fmt.Sprintf("jobs:%s %v", spec.Name, err), domain.FailureConfigError)
		}
		if !d.Included {
			continue
		}
		jobs = append(jobs, seeded{job: seedJob(spec, d, evalCtx, now), spec: spec})
		names[spec.Name] = true
	}

	var errs []string
	for _, s := range jobs {
		for _, need := range s.spec.Needs {
			if names[need.Job] {
				s.job.Needs = append(s.job.Needs, need.Job)
				continue
			}
			if !need.Optional {
				errs = append(errs, fmt.Sprintf("'%s' job needs '%s' job, but '%s' is not in any previous stage", s.spec.Name, need.Job, need.Job))
			}
		}
	}
	if len(errs) > 0 {
		return failAll(ctx, p, cmd, errs, domain.FailureConfigError)
	}
	if len(jobs) == 0 {
		return fail(ctx, p, cmd, RulesFailureMessage, domain.FailureFilteredByRules)
	}

	byStage := map[string]*domain.Stage{}
	var stages []*domain.Stage
	for _, name := range cmd.Config.Stages {
		stage := &domain.Stage{Name: name, Position: len(stages), Status: domain.StatusCreated}
		byStage[name] = stage
		stages = append(stages, stage)
	}
	for _, s := range jobs {
		stage := byStage[s.job.StageName]
		stage.Jobs = append(stage.Jobs, s.job)
	}

	cmd.StageSeeds = cmd.StageSeeds[:0]
	for _, stage := range stages {
		if len(stage.Jobs) > 0 {
			stage.Position = len(cmd.StageSeeds)
			for _, job := range stage.Jobs {
				job.StageIdx = stage.Position
			}
			cmd.StageSeeds = append(cmd.StageSeeds, stage)
		}
	}
	return nil
}

func seedJob(spec *ciconfig.Job, d ciconfig.Decision, evalCtx ciconfig.Context, now time.Time) *domain.Job {
	variables := append(append([]domain.Variable(nil), spec.Variables...), d.Variables...)

	expand := ciconfig.VariableMap()
	for k, v := range evalCtx.Variables {
		expand[k] = v
	}
	for _, v := range variables {
		expand[v.Key] = v.Value
	}
	for k, v := range evalCtx.Overrides {
		expand[k] = v
	}

	return &domain.Job{
		Name:          spec.Name,
		StageName:     spec.Stage,
		Script:        append(append([]string(nil), spec.BeforeScript...), spec.Script...),
		Image:         spec.Image,
		When:          d.When,
		StartIn:       d.StartIn,
		AllowFailure:  d.AllowFailure,
		Environment:   ciconfig.ExpandVariables(spec.Environment, expand),
		ResourceGroup: ciconfig.ExpandVariables(spec.ResourceGroup, expand),
		Tags:          spec.Tags,
		Variables:     variables,
		Interruptible: spec.Interruptible,
		Status:        domain.StatusCreated,
		CreatedAt:     now,
	}
}

// Populate attaches the seeded stages to the pipeline.
type Populate struct{ breakOnErrors }

func (Populate) Name() string { return "Populate" }

func (Populate) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if p.Persisted() {
		return errors.New("pipeline already persisted before populate")
	}
	if len(cmd.StageSeeds) == 0 {
		return fail(ctx, p, cmd, "No stages / jobs for this pipeline.", "")
	}
	p.Stages = cmd.StageSeeds
	return nil
}

// PopulateMetadata sets the pipeline name from `workflow:name`.
type PopulateMetadata struct{ breakOnErrors }

func (PopulateMetadata) Name() string { return "PopulateMetadata" }

func (PopulateMetadata) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Config == nil || cmd.Config.Workflow == nil || cmd.Config.Workflow.Name == "" {
		return nil
	}
	evalCtx := evaluationContext(ctx, p, cmd)
	vars := ciconfig.VariableMap()
	for k, v := range evalCtx.Variables {
		vars[k] = v
	}
	for k, v := range evalCtx.Overrides {
		vars[k] = v
	}
	name := ciconfig.ExpandVariables(cmd.Config.Workflow.Name, vars)
	if len(name) > 255 {
		name = name[:255]
	}
	p.Name = name
	return nil
}
