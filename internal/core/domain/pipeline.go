package domain

import (
	"strings"
	"time"
)

// Source identifies what caused a pipeline to be created.
type Source string

const (
	SourcePush              Source = "push"
	SourceWeb               Source = "web"
	SourceTrigger           Source = "trigger"
	SourceSchedule          Source = "schedule"
	SourceAPI               Source = "api"
	SourceExternal          Source = "external"
	SourcePipeline          Source = "pipeline"
	SourceChat              Source = "chat"
	SourceMergeRequestEvent Source = "merge_request_event"
	SourceParentPipeline    Source = "parent_pipeline"
)

// Sources lists the sources accepted by the creation service.
var Sources = []Source{
	SourcePush, SourceWeb, SourceTrigger, SourceSchedule, SourceAPI, SourceExternal,
	SourcePipeline, SourceChat, SourceMergeRequestEvent, SourceParentPipeline,
}

// ParseSource validates a source name.
func ParseSource(s string) (Source, bool) {
	for _, src := range Sources {
		if string(src) == s {
			return src, true
		}
	}
	return "", false
}

// FailureReason explains why a pipeline was dropped.
type FailureReason string

const (
	FailureUnknown                  FailureReason = "unknown_failure"
	FailureConfigError              FailureReason = "config_error"
	FailureExternalValidation       FailureReason = "external_validation_failure"
	FailureUserNotVerified          FailureReason = "user_not_verified"
	FailureActivityLimitExceeded    FailureReason = "activity_limit_exceeded"
	FailureSizeLimitExceeded        FailureReason = "size_limit_exceeded"
	FailureJobActivityLimitExceeded FailureReason = "job_activity_limit_exceeded"
	FailureDeploymentsLimitExceeded FailureReason = "deployments_limit_exceeded"
	FailureUserBlocked              FailureReason = "user_blocked"
	FailureProjectDeleted           FailureReason = "project_deleted"
	FailureFilteredByRules          FailureReason = "filtered_by_rules"
	FailureFilteredByWorkflowRules  FailureReason = "filtered_by_workflow_rules"
)

// Persistable reports whether a pipeline dropped for this reason is worth
// saving. Pipelines filtered out by rules never reach storage.
func (r FailureReason) Persistable() bool {
	switch r {
	case "", FailureFilteredByRules, FailureFilteredByWorkflowRules:
		return false
	}
	return true
}

// ConfigSource records where the CI configuration came from.
type ConfigSource string

const (
	ConfigSourceUnknown    ConfigSource = "unknown_source"
	ConfigSourceRepository ConfigSource = "repository_source"
	ConfigSourceAutoDevOps ConfigSource = "auto_devops_source"
	ConfigSourceParameter  ConfigSource = "parameter_source"
)

// Variable is a CI/CD variable attached to a pipeline or job.
type Variable struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Masked bool   `json:"masked,omitempty"`
}

// Pipeline is a CI/CD run composed of ordered stages of jobs.
type Pipeline struct {
	ID            int64         `json:"id"`
	IID           int64         `json:"iid"`
	ProjectID     int64         `json:"project_id"`
	Ref           string        `json:"ref"`
	Tag           bool          `json:"tag"`
	SHA           string        `json:"sha"`
	BeforeSHA     string        `json:"before_sha,omitempty"`
	SourceSHA     string        `json:"source_sha,omitempty"`
	TargetSHA     string        `json:"target_sha,omitempty"`
	Source        Source        `json:"source"`
	Status        Status        `json:"status"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	UserID        int64         `json:"user_id,omitempty"`
	ScheduleID    int64         `json:"pipeline_schedule_id,omitempty"`
	ConfigSource  ConfigSource  `json:"config_source,omitempty"`
	Name          string        `json:"name,omitempty"`
	PartitionID   int64         `json:"partition_id"`
	Variables     []Variable    `json:"variables,omitempty"`
	Stages        []*Stage      `json:"stages,omitempty"`

	// Errors and Warnings accumulate human-readable messages while the
	// pipeline is being built. They are persisted alongside the pipeline.
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// AddErrorMessage records a validation error. Duplicates are ignored.
func (p *Pipeline) AddErrorMessage(msg string) {
	for _, existing := range p.Errors {
		if existing == msg {
			return
		}
	}
	p.Errors = append(p.Errors, msg)
}

// AddWarningMessage records a non-fatal message.
func (p *Pipeline) AddWarningMessage(msg string) {
	p.Warnings = append(p.Warnings, msg)
}

// HasErrors reports whether any validation error was recorded.
func (p *Pipeline) HasErrors() bool {
	return len(p.Errors) > 0
}

// FullErrorMessages joins the recorded errors into one line.
func (p *Pipeline) FullErrorMessages() string {
	return strings.Join(p.Errors, ", ")
}

// Persisted reports whether the pipeline has been written to storage.
func (p *Pipeline) Persisted() bool {
	return p.ID != 0
}

// SetFailed marks the pipeline failed without any further side effect.
func (p *Pipeline) SetFailed(reason FailureReason) {
	p.Status = StatusFailed
	p.FailureReason = reason
}

// Drop fails the pipeline and every job that has not completed yet.
func (p *Pipeline) Drop(reason FailureReason, now time.Time) {
	if reason == "" {
		reason = FailureUnknown
	}
	p.SetFailed(reason)
	for _, job := range p.Jobs() {
		if !job.Status.IsComplete() {
			job.Status = StatusSkipped
		}
	}
	p.FinishedAt = &now
}

// Skip marks the pipeline skipped.
func (p *Pipeline) Skip(now time.Time) {
	p.Status = StatusSkipped
	p.FinishedAt = &now
}

// Cancel cancels every job that is not complete and the pipeline itself.
func (p *Pipeline) Cancel(now time.Time) {
	for _, job := range p.Jobs() {
		if !job.Status.IsComplete() {
			job.Status = StatusCanceled
			job.FinishedAt = &now
		}
	}
	p.Status = StatusCanceled
	p.FinishedAt = &now
}

// Jobs returns every job across stages in stage order.
func (p *Pipeline) Jobs() []*Job {
	var jobs []*Job
	for _, stage := range p.Stages {
		jobs = append(jobs, stage.Jobs...)
	}
	return jobs
}

// JobCount returns the number of jobs in the pipeline.
func (p *Pipeline) JobCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage.Jobs)
	}
	return n
}

// FindJob returns the job with the given name, or nil.
func (p *Pipeline) FindJob(name string) *Job {
	for _, job := range p.Jobs() {
		if job.Name == name {
			return job
		}
	}
	return nil
}

// IsAlive reports whether the pipeline can still make progress.
func (p *Pipeline) IsAlive() bool {
	return p.Status.IsAlive()
}

// IsComplete reports whether the pipeline reached a terminal state.
func (p *Pipeline) IsComplete() bool {
	return p.Status.IsComplete()
}

// Interruptible reports whether every started job may be interrupted.
func (p *Pipeline) Interruptible() bool {
	for _, job := range p.Jobs() {
		if (job.Status == StatusRunning || job.Status.IsComplete()) && !job.Interruptible {
			return false
		}
	}
	return true
}

// VariableValue looks up a pipeline variable.
func (p *Pipeline) VariableValue(key string) (string, bool) {
	for _, v := range p.Variables {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Stage groups jobs that run in parallel.
type Stage struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
	Status   Status `json:"status"`
	Jobs     []*Job `json:"jobs"`
}

// When controls under which condition a job runs.
type When string

const (
	WhenOnSuccess When = "on_success"
	WhenOnFailure When = "on_failure"
	WhenAlways    When = "always"
	WhenManual    When = "manual"
	WhenDelayed   When = "delayed"
	WhenNever     When = "never"
)

// ValidWhen reports whether w is an accepted `when` value.
func ValidWhen(w When) bool {
	switch w {
	case WhenOnSuccess, WhenOnFailure, WhenAlways, WhenManual, WhenDelayed, WhenNever:
		return true
	}
	return false
}

// Job is a single unit of work inside a stage.
type Job struct {
	ID            int64      `json:"id"`
	PipelineID    int64      `json:"pipeline_id"`
	Name          string     `json:"name"`
	StageName     string     `json:"stage"`
	StageIdx      int        `json:"stage_idx"`
	Script        []string   `json:"script,omitempty"`
	Image         string     `json:"image,omitempty"`
	When          When       `json:"when"`
	StartIn       string     `json:"start_in,omitempty"`
	AllowFailure  bool       `json:"allow_failure"`
	Needs         []string   `json:"needs,omitempty"`
	Environment   string     `json:"environment,omitempty"`
	ResourceGroup string     `json:"resource_group,omitempty"`
	Tags          []string   `json:"tag_list,omitempty"`
	Variables     []Variable `json:"variables,omitempty"`
	Interruptible bool       `json:"interruptible"`
	Status        Status     `json:"status"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HasNeeds reports whether the job is scheduled by its needs instead of its stage.
func (j *Job) HasNeeds() bool {
	return len(j.Needs) > 0
}

// Clone returns a deep copy of the pipeline, its stages and its jobs.
func (p *Pipeline) Clone() *Pipeline {
	out := *p
	out.Variables = append([]Variable(nil), p.Variables...)
	out.Errors = append([]string(nil), p.Errors...)
	out.Warnings = append([]string(nil), p.Warnings...)
	out.Stages = make([]*Stage, len(p.Stages))
	for i, stage := range p.Stages {
		s := *stage
		s.Jobs = make([]*Job, len(stage.Jobs))
		for j, job := range stage.Jobs {
			s.Jobs[j] = job.Clone()
		}
		out.Stages[i] = &s
	}
	return &out
}

// Clone returns a copy of the job that shares no slices with it.
func (j *Job) Clone() *Job {
	out := *j
	out.Script = append([]string(nil), j.Script...)
	out.Needs = append([]string(nil), j.Needs...)
	out.Tags = append([]string(nil), j.Tags...)
	out.Variables = append([]Variable(nil), j.Variables...)
	return &out
}
