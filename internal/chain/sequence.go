package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

const tracerName = "github.com/jackvz/gitlab-foss/internal/chain"

// Sequence runs steps in order until one of them breaks the chain.
type Sequence struct {
	steps  []Step
	tracer trace.Tracer
}

// NewSequence creates a sequence from steps.
func NewSequence(steps ...Step) *Sequence {
	return &Sequence{
		steps:  steps,
		tracer: otel.Tracer(tracerName),
	}
}

// Steps returns the step names in execution order.
func (s *Sequence) Steps() []string {
	names := make([]string, len(s.steps))
	for i, step := range s.steps {
		names[i] = step.Name()
	}
	return names
}

// Build runs the chain against p. The returned error is set only when a
// step failed for reasons other than validation.
func (s *Sequence) Build(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	ctx, span := s.tracer.Start(ctx, "chain.Sequence.Build",
		trace.WithAttributes(
			attribute.String("pipeline.source", string(cmd.Source)),
			attribute.String("pipeline.ref", cmd.OriginRef),
		))
	defer span.End()

	started := cmd.now()
	for _, step := range s.steps {
		stopped, err := s.run(ctx, step, p, cmd)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if stopped {
			cmd.logger().DebugContext(ctx, "pipeline chain stopped",
				slog.String("step", step.Name()),
				slog.String("status", string(p.Status)),
			)
			break
		}
	}

	cmd.ObserveCreationDuration(cmd.now().Sub(started))
	cmd.ObservePipelineSize(p)
	span.SetAttributes(
		attribute.Int("pipeline.jobs", p.JobCount()),
		attribute.Bool("pipeline.persisted", p.Persisted()),
	)
	return nil
}

func (s *Sequence) run(ctx context.Context, step Step, p *domain.Pipeline, cmd *Command) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "chain."+step.Name())
	defer span.End()

	started := time.Now()
	err := step.Perform(ctx, p, cmd)
	cmd.ObserveStepDuration(step.Name(), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("pipeline step %s: %w", step.Name(), err)
	}

	stopped := step.Break(p, cmd)
	span.SetAttributes(attribute.Bool("chain.break", stopped))
	return stopped, nil
}
