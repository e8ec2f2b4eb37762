package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

// StopDryRun ends the chain before anything is written for dry runs.
type StopDryRun struct{}

func (StopDryRun) Name() string { return "StopDryRun" }

func (StopDryRun) Perform(context.Context, *domain.Pipeline, *Command) error { return nil }

func (StopDryRun) Break(_ *domain.Pipeline, cmd *Command) bool { return cmd.DryRun }

// EnsureEnvironments records the environments deployment jobs target.
type EnsureEnvironments struct{ neverBreak }

func (EnsureEnvironments) Name() string { return "EnsureEnvironments" }

func (EnsureEnvironments) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Store == nil {
		return nil
	}
	seen := map[string]bool{}
	for _, job := range p.Jobs() {
		if job.Environment == "" || seen[job.Environment] {
			continue
		}
		seen[job.Environment] = true
		if err := cmd.Store.EnsureEnvironment(ctx, p.ProjectID, job.Environment); err != nil {
			return fmt.Errorf("ensure environment %s: %w", job.Environment, err)
		}
	}
	return nil
}

// EnsureResourceGroups records the resource groups jobs serialize on.
type EnsureResourceGroups struct{ neverBreak }

func (EnsureResourceGroups) Name() string { return "EnsureResourceGroups" }

func (EnsureResourceGroups) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Store == nil {
		return nil
	}
	seen := map[string]bool{}
	for _, job := range p.Jobs() {
		if job.ResourceGroup == "" || seen[job.ResourceGroup] {
			continue
		}
		seen[job.ResourceGroup] = true
		if err := cmd.Store.EnsureResourceGroup(ctx, p.ProjectID, job.ResourceGroup); err != nil {
			return fmt.Errorf("ensure resource group %s: %w", job.ResourceGroup, err)
		}
	}
	return nil
}

// Create persists the pipeline with its stages and jobs.
type Create struct{ breakOnErrors }

func (Create) Name() string { return "Create" }

func (Create) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Store == nil {
		return fmt.Errorf("no pipeline store configured")
	}
	p.UpdatedAt = cmd.now()
	if err := cmd.Store.CreatePipeline(ctx, p); err != nil {
		return fail(ctx, p, cmd, fmt.Sprintf("Failed to persist the pipeline: %v", err), "")
	}
	return nil
}

// CancelPendingPipelines cancels older interruptible pipelines on the same
// ref when the project asks for it.
type CancelPendingPipelines struct{ neverBreak }

func (CancelPendingPipelines) Name() string { return "CancelPendingPipelines" }

func (CancelPendingPipelines) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if !cmd.Project.AutoCancelPending || cmd.Store == nil || p.Tag || p.Source == domain.SourceParentPipeline {
		return nil
	}
	alive := []domain.Status{
		domain.StatusCreated, domain.StatusWaitingForResource, domain.StatusPreparing,
		domain.StatusPending, domain.StatusRunning, domain.StatusScheduled,
	}
	older, err := cmd.Store.ListPipelines(ctx, ports.PipelineListOptions{
		ProjectID: p.ProjectID,
		Ref:       p.Ref,
		Status:    alive,
	})
	if err != nil {
		return fmt.Errorf("list pipelines to auto-cancel: %w", err)
	}
	for _, summary := range older {
		if summary.ID == p.ID || summary.ID > p.ID || summary.SHA == p.SHA {
			continue
		}
		candidate, err := cmd.Store.GetPipeline(ctx, summary.ID)
		if err != nil {
			return fmt.Errorf("load pipeline %d: %w", summary.ID, err)
		}
		if !candidate.Interruptible() {
			continue
		}
		candidate.Cancel(cmd.now())
		candidate.UpdatedAt = cmd.now()
		if err := cmd.Store.UpdatePipeline(ctx, candidate); err != nil {
			return fmt.Errorf("cancel pipeline %d: %w", candidate.ID, err)
		}
		cmd.logger().InfoContext(ctx, "auto-canceled redundant pipeline",
			slog.Int64("pipeline_id", candidate.ID),
			slog.Int64("newer_pipeline_id", p.ID),
			slog.String("ref", p.Ref),
		)
	}
	return nil
}

// Metrics counts the created pipeline.
type Metrics struct{ neverBreak }

func (Metrics) Name() string { return "Metrics" }

func (Metrics) Perform(_ context.Context, p *domain.Pipeline, cmd *Command) error {
	cmd.metrics().IncrementPipelinesCreated(p.Source)
	return nil
}

// PipelineProcess hands the pipeline over to status processing.
type PipelineProcess struct{ neverBreak }

func (PipelineProcess) Name() string { return "Pipeline::Process" }

func (PipelineProcess) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Processor == nil || !p.Persisted() {
		return nil
	}
	if err := cmd.Processor.ScheduleProcessing(ctx, p.ID); err != nil {
		return fmt.Errorf("schedule processing of pipeline %d: %w", p.ID, err)
	}
	return nil
}
