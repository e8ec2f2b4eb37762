package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackvz/gitlab-foss/internal/ciconfig"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

const (
	branchPrefix = "refs/heads/"
	tagPrefix    = "refs/tags/"
)

// ChatData carries the chat command a chat pipeline was started for.
type ChatData struct {
	Command   string `json:"command"`
	Arguments string `json:"arguments,omitempty"`
}

// Store is the storage surface the creation steps use.
type Store interface {
	ports.PipelineStore
	ports.EnvironmentStore
}

// Command is the pipeline creation request shared by every step.
type Command struct {
	Source          domain.Source
	Project         *domain.Project
	User            *domain.User
	OriginRef       string
	CheckoutSHA     string
	AfterSHA        string
	BeforeSHA       string
	SourceSHA       string
	TargetSHA       string
	Schedule        *domain.Schedule
	TriggerRequest  *domain.Trigger
	ParentPipeline  *domain.Pipeline
	IgnoreSkipCI    bool
	SaveIncompleted bool
	SeedsBlock      func(*domain.Pipeline)
	Variables       []domain.Variable
	PushOptions     []string
	ChatData        *ChatData
	Content         string
	DryRun          bool
	PartitionID     int64
	Logger          *slog.Logger

	Repository        ports.Repository
	Store             Store
	Metrics           ports.Metrics
	ExternalValidator ports.ExternalValidator
	RateLimiter       ports.RateLimiter
	Processor         ports.ProcessScheduler
	Now               func() time.Time

	// Filled in while the chain runs.
	ConfigContent     []byte
	ConfigSource      domain.ConfigSource
	Config            *ciconfig.Config
	WorkflowVariables []domain.Variable
	StageSeeds        []*domain.Stage

	branchSHA, tagSHA     string
	branchKnown, tagKnown bool
	branchOK, tagOK       bool
	commit                *ports.Commit
	commitLoaded          bool
}

func (c *Command) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Command) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Command) metrics() ports.Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return nopMetrics{}
}

func (c *Command) qualified() bool {
	return strings.HasPrefix(c.OriginRef, branchPrefix) || strings.HasPrefix(c.OriginRef, tagPrefix)
}

// RefName returns the short name of the requested ref.
func (c *Command) RefName() string {
	return strings.TrimPrefix(strings.TrimPrefix(c.OriginRef, branchPrefix), tagPrefix)
}

// Ref returns the fully qualified ref, preferring branches over tags.
func (c *Command) Ref(ctx context.Context) string {
	if c.qualified() {
		return c.OriginRef
	}
	if c.BranchExists(ctx) {
		return branchPrefix + c.OriginRef
	}
	if c.TagExists(ctx) {
		return tagPrefix + c.OriginRef
	}
	return c.OriginRef
}

// BranchExists reports whether the ref names an existing branch.
func (c *Command) BranchExists(ctx context.Context) bool {
	if strings.HasPrefix(c.OriginRef, tagPrefix) {
		return false
	}
	if !c.branchKnown {
		c.branchKnown = true
		if c.Repository != nil {
			c.branchSHA, c.branchOK = c.Repository.BranchSHA(ctx, c.RefName())
		}
	}
	return c.branchOK
}

// TagExists reports whether the ref names an existing tag.
func (c *Command) TagExists(ctx context.Context) bool {
	if strings.HasPrefix(c.OriginRef, branchPrefix) {
		return false
	}
	if !c.tagKnown {
		c.tagKnown = true
		if c.Repository != nil {
			c.tagSHA, c.tagOK = c.Repository.TagSHA(ctx, c.RefName())
		}
	}
	return c.tagOK
}

// AmbiguousRef reports whether an unqualified ref names both a branch and a tag.
func (c *Command) AmbiguousRef(ctx context.Context) bool {
	return !c.qualified() && c.BranchExists(ctx) && c.TagExists(ctx)
}

// Tag reports whether the pipeline runs for a tag.
func (c *Command) Tag(ctx context.Context) bool {
	return strings.HasPrefix(c.Ref(ctx), tagPrefix)
}

// SHA returns the commit the pipeline runs for: the checkout SHA when
// given, otherwise the head of the ref.
func (c *Command) SHA(ctx context.Context) string {
	if c.CheckoutSHA != "" {
		return c.CheckoutSHA
	}
	if c.AfterSHA != "" {
		return c.AfterSHA
	}
	if c.BranchExists(ctx) {
		return c.branchSHA
	}
	if c.TagExists(ctx) {
		return c.tagSHA
	}
	return ""
}

// Commit loads the pipeline commit. It returns nil when it does not exist.
func (c *Command) Commit(ctx context.Context) (*ports.Commit, error) {
	if c.commitLoaded {
		return c.commit, nil
	}
	sha := c.SHA(ctx)
	if sha == "" || c.Repository == nil {
		c.commitLoaded = true
		return nil, nil
	}
	commit, err := c.Repository.Commit(ctx, sha)
	if err != nil {
		if domain.IsNotFound(err) || errors.Is(err, ports.ErrFileNotFound) {
			c.commitLoaded = true
			return nil, nil
		}
		return nil, fmt.Errorf("load commit %s: %w", sha, err)
	}
	c.commit, c.commitLoaded = commit, true
	return commit, nil
}

// ProtectedRef reports whether the ref is protected in the project.
func (c *Command) ProtectedRef() bool {
	return c.Project.IsProtectedRef(c.RefName())
}

// ObserveStepDuration records how long a step took.
func (c *Command) ObserveStepDuration(step string, d time.Duration) {
	c.metrics().ObserveStepDuration(step, d)
}

// ObserveCreationDuration records how long the whole chain took.
func (c *Command) ObserveCreationDuration(d time.Duration) {
	c.metrics().ObserveCreationDuration(c.Source, d)
}

// ObservePipelineSize records the number of jobs in the pipeline.
func (c *Command) ObservePipelineSize(p *domain.Pipeline) {
	c.metrics().ObservePipelineSize(c.Source, p.JobCount())
}

// IncrementFailureReasonCounter counts a creation failure.
func (c *Command) IncrementFailureReasonCounter(reason domain.FailureReason) {
	if reason == "" {
		reason = domain.FailureUnknown
	}
	c.metrics().IncrementFailureReason(reason)
}

type nopMetrics struct{}

func (nopMetrics) ObserveStepDuration(string, time.Duration)            {}
func (nopMetrics) ObserveCreationDuration(domain.Source, time.Duration) {}
func (nopMetrics) ObservePipelineSize(domain.Source, int)               {}
func (nopMetrics) IncrementFailureReason(domain.FailureReason)          {}
func (nopMetrics) IncrementPipelinesCreated(domain.Source)              {}
