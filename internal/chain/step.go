package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// Step is one link of the creation chain.
//
// Perform returns a Go error only for infrastructure failures, which abort
// the chain. Validation failures are recorded on the pipeline and make
// Break report true.
type Step interface {
	Name() string
	Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error
	Break(p *domain.Pipeline, cmd *Command) bool
}

// breakOnErrors is embedded by steps that stop the chain once the
// pipeline has errors.
type breakOnErrors struct{}

func (breakOnErrors) Break(p *domain.Pipeline, _ *Command) bool {
	return p.HasErrors()
}

// neverBreak is embedded by steps that never stop the chain.
type neverBreak struct{}

func (neverBreak) Break(*domain.Pipeline, *Command) bool {
	return false
}

// fail records a validation error and drops the pipeline.
func fail(ctx context.Context, p *domain.Pipeline, cmd *Command, msg string, reason domain.FailureReason) error {
	return failAll(ctx, p, cmd, []string{msg}, reason)
}

// failAll records several errors and drops the pipeline once.
//
// A pipeline is persisted as failed when the reason is worth keeping and
// the caller wants incomplete pipelines saved, or when the pipeline already
// exists in storage. Otherwise it is only marked failed in memory.
func failAll(ctx context.Context, p *domain.Pipeline, cmd *Command, msgs []string, reason domain.FailureReason) error {
	for _, msg := range msgs {
		p.AddErrorMessage(msg)
	}

	if reason.Persistable() && (cmd.SaveIncompleted || p.Persisted()) {
		p.Drop(reason, cmd.now())
		if err := save(ctx, p, cmd); err != nil {
			return fmt.Errorf("persist dropped pipeline: %w", err)
		}
	} else {
		cmd.IncrementFailureReasonCounter(reason)
		p.SetFailed(reason)
	}

	cmd.logger().InfoContext(ctx, "pipeline creation failed",
		slog.Int64("project_id", p.ProjectID),
		slog.String("ref", p.Ref),
		slog.String("failure_reason", string(p.FailureReason)),
		slog.Any("errors", p.Errors),
	)
	return nil
}

// warn records a non-fatal message.
func warn(p *domain.Pipeline, msg string) {
	p.AddWarningMessage(msg)
}

func save(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	if cmd.Store == nil {
		return nil
	}
	p.UpdatedAt = cmd.now()
	if p.Persisted() {
		return cmd.Store.UpdatePipeline(ctx, p)
	}
	return cmd.Store.CreatePipeline(ctx, p)
}
