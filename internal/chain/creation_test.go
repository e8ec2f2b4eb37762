package chain

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/repository"
	"github.com/jackvz/gitlab-foss/internal/storage/memory"
)

const ciYAML = `
stages: [build, test, deploy]

variables:
  APP_ENV: review

build:
  stage: build
  script: [make]

test:
  stage: test
  script: [make test]
  needs: [build]
  interruptible: true

deploy:
  stage: deploy
  script: [./deploy.sh]
  environment: $APP_ENV
  resource_group: production
  rules:
    - if: $CI_COMMIT_BRANCH == $CI_DEFAULT_BRANCH
`

var (
	developer  = &domain.User{ID: 1, Username: "dev"}
	maintainer = &domain.User{ID: 2, Username: "lead"}
	reporter   = &domain.User{ID: 3, Username: "viewer"}
	blocked    = &domain.User{ID: 4, Username: "gone", Blocked: true}
)

type recordingProcessor struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingProcessor) ScheduleProcessing(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

type fixture struct {
	project   *domain.Project
	repo      *repository.Repository
	store     *memory.Store
	metrics   *recordingMetrics
	processor *recordingProcessor
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.New()
	repo.AddCommit(ports.Commit{SHA: "sha1", Message: "Add CI"}, map[string]string{".gitlab-ci.yml": ciYAML})
	repo.AddCommit(ports.Commit{SHA: "sha-skip", ParentSHA: "sha1", Message: "Docs only [skip ci]"}, nil)
	repo.SetBranch("main", "sha1")
	repo.SetBranch("feature", "sha1")
	repo.SetBranch("production", "sha1")
	repo.SetBranch("docs", "sha-skip")

	return &fixture{
		project: &domain.Project{
			ID:            1,
			FullPath:      "group/app",
			DefaultBranch: "main",
			BuildsEnabled: true,
			ProtectedRefs: []string{"production"},
			Members: map[int64]domain.AccessLevel{
				developer.ID:  domain.AccessDeveloper,
				maintainer.ID: domain.AccessMaintainer,
				reporter.ID:   domain.AccessReporter,
				blocked.ID:    domain.AccessDeveloper,
			},
		},
		repo:      repo,
		store:     memory.New(),
		metrics:   newRecordingMetrics(),
		processor: &recordingProcessor{},
		now:       time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) command(user *domain.User, ref string) *Command {
	return &Command{
		Source:     domain.SourcePush,
		Project:    f.project,
		User:       user,
		OriginRef:  ref,
		Repository: f.repo,
		Store:      f.store,
		Metrics:    f.metrics,
		Processor:  f.processor,
		Now:        func() time.Time { return f.now },
	}
}

func (f *fixture) create(t *testing.T, cmd *Command) *domain.Pipeline {
	t.Helper()
	p := &domain.Pipeline{}
	if err := NewCreationSequence().Build(context.Background(), p, cmd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func jobNames(p *domain.Pipeline) []string {
	var names []string
	for _, job := range p.Jobs() {
		names = append(names, job.Name)
	}
	return names
}

func TestCreate_DefaultBranch(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, f.command(developer, "main"))

	if p.HasErrors() {
		t.Fatalf("unexpected errors: %v", p.Errors)
	}
	if !p.Persisted() || p.IID != 1 {
		t.Fatalf("expected persisted pipeline with iid 1, got id=%d iid=%d", p.ID, p.IID)
	}
	if diff := cmp.Diff([]string{"build", "test", "deploy"}, jobNames(p)); diff != "" {
		t.Errorf("jobs mismatch (-want +got):\n%s", diff)
	}
	if p.Status != domain.StatusCreated || p.SHA != "sha1" || p.PartitionID != DefaultPartitionID {
		t.Errorf("unexpected pipeline: status=%s sha=%s partition=%d", p.Status, p.SHA, p.PartitionID)
	}
	if p.ConfigSource != domain.ConfigSourceRepository {
		t.Errorf("config source = %s, want repository", p.ConfigSource)
	}

	deploy := p.FindJob("deploy")
	if deploy.Environment != "review" || deploy.StageIdx != 2 {
		t.Errorf("deploy job = %+v", deploy)
	}
	if diff := cmp.Diff([]string{"build"}, p.FindJob("test").Needs); diff != "" {
		t.Errorf("needs mismatch (-want +got):\n%s", diff)
	}
	if !f.store.HasEnvironment(1, "review") || !f.store.HasResourceGroup(1, "production") {
		t.Error("expected environment and resource group to be recorded")
	}
	if diff := cmp.Diff([]int64{p.ID}, f.processor.ids); diff != "" {
		t.Errorf("processed pipelines mismatch (-want +got):\n%s", diff)
	}
	if f.metrics.created[domain.SourcePush] != 1 {
		t.Errorf("pipelines created = %d, want 1", f.metrics.created[domain.SourcePush])
	}
	if len(p.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", p.Warnings)
	}
}

func TestCreate_RulesExcludeJobs(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, f.command(developer, "feature"))

	if diff := cmp.Diff([]string{"build", "test"}, jobNames(p)); diff != "" {
		t.Errorf("jobs mismatch (-want +got):\n%s", diff)
	}
	if len(p.Stages) != 2 {
		t.Errorf("expected empty deploy stage to be dropped, got %d stages", len(p.Stages))
	}
}

func TestCreate_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		user    *domain.User
		ref     string
		setup   func(*fixture)
		message string
	}{
		{
			name:    "unknown ref",
			user:    developer,
			ref:     "nope",
			message: "Reference not found",
		},
		{
			name:    "reporter",
			user:    reporter,
			ref:     "main",
			message: "Insufficient permissions to create a new pipeline",
		},
		{
			name:    "protected ref",
			user:    developer,
			ref:     "production",
			message: "Insufficient permissions for protected ref 'production'",
		},
		{
			name:    "builds disabled",
			user:    developer,
			ref:     "main",
			setup:   func(f *fixture) { f.project.BuildsEnabled = false },
			message: "Pipelines are disabled!",
		},
		{
			name:    "missing commit",
			user:    developer,
			ref:     "main",
			setup:   func(f *fixture) { f.repo.SetBranch("main", "unknown") },
			message: "Commit not found",
		},
		{
			name:    "ambiguous ref",
			user:    developer,
			ref:     "main",
			setup:   func(f *fixture) { f.repo.SetTag("main", "sha1") },
			message: "Ref is ambiguous",
		},
		{
			name:    "missing config",
			user:    developer,
			ref:     "main",
			setup:   func(f *fixture) { f.repo.AddCommit(ports.Commit{SHA: "empty"}, nil); f.repo.SetBranch("main", "empty") },
			message: "Missing CI config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			cmd := f.command(tt.user, tt.ref)
			cmd.SaveIncompleted = true
			p := f.create(t, cmd)

			if diff := cmp.Diff([]string{tt.message}, p.Errors); diff != "" {
				t.Errorf("errors mismatch (-want +got):\n%s", diff)
			}
			if p.Persisted() {
				t.Error("pipelines failed without a reason are not persisted")
			}
			if p.Status != domain.StatusFailed {
				t.Errorf("status = %s, want failed", p.Status)
			}
			if f.metrics.failures[domain.FailureUnknown] != 1 {
				t.Errorf("failure counter = %v", f.metrics.failures)
			}
		})
	}
}

func TestCreate_BlockedUserPersisted(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(blocked, "main")
	cmd.SaveIncompleted = true
	p := f.create(t, cmd)

	if !p.Persisted() {
		t.Fatal("expected failed pipeline to be persisted")
	}
	if p.FailureReason != domain.FailureUserBlocked || p.Status != domain.StatusFailed {
		t.Errorf("unexpected pipeline state: %s %s", p.Status, p.FailureReason)
	}
	stored, err := f.store.GetPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(p.Errors, stored.Errors); diff != "" {
		t.Errorf("stored errors mismatch (-want +got):\n%s", diff)
	}
}

func TestCreate_BlockedUserNotPersistedWithoutSaveIncompleted(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, f.command(blocked, "main"))

	if p.Persisted() {
		t.Error("expected pipeline to stay in memory")
	}
	if f.metrics.failures[domain.FailureUserBlocked] != 1 {
		t.Errorf("failure counter = %v", f.metrics.failures)
	}
}

func TestCreate_SkipCI(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "docs")
	cmd.SaveIncompleted = true
	p := f.create(t, cmd)

	if p.Status != domain.StatusSkipped || !p.Persisted() {
		t.Errorf("expected persisted skipped pipeline, got status=%s id=%d", p.Status, p.ID)
	}
	if p.JobCount() != 0 {
		t.Errorf("skipped pipeline has %d jobs", p.JobCount())
	}

	cmd = f.command(developer, "docs")
	cmd.IgnoreSkipCI = true
	p = f.create(t, cmd)
	if p.Status != domain.StatusCreated || p.JobCount() != 2 {
		t.Errorf("IgnoreSkipCI: status=%s jobs=%d", p.Status, p.JobCount())
	}

	cmd = f.command(developer, "main")
	cmd.PushOptions = []string{"ci.skip"}
	p = f.create(t, cmd)
	if p.Persisted() || p.HasErrors() {
		t.Errorf("push option skip: id=%d errors=%v", p.ID, p.Errors)
	}
}

func TestCreate_ConfigErrors(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "main")
	cmd.SaveIncompleted = true
	cmd.Content = "broken:\n  stage: test\n"
	p := f.create(t, cmd)

	want := []string{"jobs:broken config should implement the script:, run:, or trigger: keyword"}
	if diff := cmp.Diff(want, p.Errors); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if !p.Persisted() || p.FailureReason != domain.FailureConfigError {
		t.Errorf("expected persisted config error, got id=%d reason=%s", p.ID, p.FailureReason)
	}
	if p.ConfigSource != domain.ConfigSourceParameter {
		t.Errorf("config source = %s, want parameter", p.ConfigSource)
	}
}

func TestCreate_WorkflowRulesFilter(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "main")
	cmd.SaveIncompleted = true
	cmd.Content = `
workflow:
  name: "Release $CI_COMMIT_REF_NAME"
  rules:
    - if: $CI_COMMIT_BRANCH == "release"
job:
  script: [echo]
`
	p := f.create(t, cmd)

	if diff := cmp.Diff([]string{"Pipeline filtered out by workflow rules."}, p.Errors); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if p.Persisted() {
		t.Error("filtered pipelines are never persisted")
	}
	if p.FailureReason != domain.FailureFilteredByWorkflowRules {
		t.Errorf("failure reason = %s", p.FailureReason)
	}
}

func TestCreate_WorkflowName(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "main")
	cmd.Content = `
workflow:
  name: "Build $CI_COMMIT_REF_NAME"
job:
  script: [echo]
`
	p := f.create(t, cmd)
	if p.Name != "Build main" {
		t.Errorf("name = %q, want %q", p.Name, "Build main")
	}
}

func TestCreate_RulesFilterEveryJob(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "feature")
	cmd.SaveIncompleted = true
	cmd.Content = `
job:
  script: [echo]
  rules:
    - if: $CI_COMMIT_TAG
`
	p := f.create(t, cmd)

	if diff := cmp.Diff([]string{RulesFailureMessage}, p.Errors); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if p.Persisted() || p.FailureReason != domain.FailureFilteredByRules {
		t.Errorf("id=%d reason=%s", p.ID, p.FailureReason)
	}
}

func TestCreate_DryRun(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "main")
	cmd.DryRun = true
	p := f.create(t, cmd)

	if p.Persisted() {
		t.Error("dry run must not persist")
	}
	if p.JobCount() != 3 {
		t.Errorf("expected 3 jobs, got %d", p.JobCount())
	}
	if f.store.HasEnvironment(1, "review") || len(f.processor.ids) != 0 {
		t.Error("dry run must stop before side effects")
	}
}

func TestCreate_Limits(t *testing.T) {
	tests := []struct {
		name    string
		limits  domain.Limits
		content string
		message string
		reason  domain.FailureReason
	}{
		{
			name:    "size",
			limits:  domain.Limits{PipelineSize: 2},
			message: "The number of jobs has exceeded the limit of 2. Try splitting the configuration with parent-child-pipelines.",
			reason:  domain.FailureSizeLimitExceeded,
		},
		{
			name:    "active jobs",
			limits:  domain.Limits{ActiveJobs: 1},
			message: "Project exceeded the allowed number of jobs in active pipelines. Retry later.",
			reason:  domain.FailureJobActivityLimitExceeded,
		},
		{
			name:    "deployments",
			limits:  domain.Limits{Deployments: 1},
			content: "a:\n  script: [x]\n  environment: staging\nb:\n  script: [x]\n  environment: production\n",
			message: "Pipeline has too many deployments! Requested 2, but the limit is 1.",
			reason:  domain.FailureDeploymentsLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.project.Limits = tt.limits
			cmd := f.command(developer, "main")
			cmd.SaveIncompleted = true
			cmd.Content = tt.content
			p := f.create(t, cmd)

			if diff := cmp.Diff([]string{tt.message}, p.Errors); diff != "" {
				t.Errorf("errors mismatch (-want +got):\n%s", diff)
			}
			if p.FailureReason != tt.reason || !p.Persisted() {
				t.Errorf("reason=%s id=%d", p.FailureReason, p.ID)
			}
		})
	}
}

func TestCreate_ActivityLimit(t *testing.T) {
	f := newFixture(t)
	f.project.Limits.ActivePipelines = 1

	first := f.create(t, f.command(developer, "main"))
	if first.HasErrors() {
		t.Fatalf("unexpected errors: %v", first.Errors)
	}

	second := f.create(t, f.command(developer, "main"))
	if diff := cmp.Diff([]string{"Active pipelines limit exceeded by 1 pipelines!"}, second.Errors); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if !second.Persisted() || second.FailureReason != domain.FailureActivityLimitExceeded {
		t.Errorf("id=%d reason=%s", second.ID, second.FailureReason)
	}
	for _, job := range second.Jobs() {
		if job.Status != domain.StatusSkipped {
			t.Errorf("job %s status = %s, want skipped", job.Name, job.Status)
		}
	}
	if len(f.processor.ids) != 1 {
		t.Errorf("only the first pipeline should be processed, got %v", f.processor.ids)
	}
}

func TestCreate_CancelPendingPipelines(t *testing.T) {
	f := newFixture(t)
	f.project.AutoCancelPending = true

	first := f.create(t, f.command(developer, "main"))

	f.repo.AddCommit(ports.Commit{SHA: "sha2", ParentSHA: "sha1", Message: "Next"}, nil)
	f.repo.SetBranch("main", "sha2")
	second := f.create(t, f.command(developer, "main"))
	if second.HasErrors() {
		t.Fatalf("unexpected errors: %v", second.Errors)
	}

	stored, err := f.store.GetPipeline(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != domain.StatusCanceled {
		t.Errorf("older pipeline status = %s, want canceled", stored.Status)
	}
}

func TestCreate_ExternalValidation(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reject bool
	}{
		{name: "accepted", status: http.StatusOK},
		{name: "rejected", status: http.StatusForbidden, reject: true},
		{name: "server error accepts", status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotToken string
			var gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotToken = r.Header.Get("X-Gitlab-Token")
				body, _ := io.ReadAll(r.Body)
				gotBody = string(body)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f := newFixture(t)
			f.project.ExternalValidation = true
			cmd := f.command(developer, "main")
			cmd.ExternalValidator = NewHTTPValidator(HTTPValidatorConfig{URL: srv.URL, Token: "secret"})
			p := f.create(t, cmd)

			if gotToken != "secret" {
				t.Errorf("token header = %q", gotToken)
			}
			if !strings.Contains(gotBody, `"total_builds_count":3`) {
				t.Errorf("payload missing builds: %s", gotBody)
			}
			if tt.reject {
				if diff := cmp.Diff([]string{"External validation failed"}, p.Errors); diff != "" {
					t.Errorf("errors mismatch (-want +got):\n%s", diff)
				}
				if p.FailureReason != domain.FailureExternalValidation {
					t.Errorf("failure reason = %s", p.FailureReason)
				}
				return
			}
			if p.HasErrors() || !p.Persisted() {
				t.Errorf("expected accepted pipeline, got errors=%v id=%d", p.Errors, p.ID)
			}
		})
	}
}

func TestCreate_ChatKeepsRequestedJob(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "main")
	cmd.Source = domain.SourceChat
	cmd.ChatData = &ChatData{Command: "deploy", Arguments: "now"}
	cmd.Content = `
build:
  script: [make]
deploy:
  script: [echo $CHAT_INPUT]
`
	p := f.create(t, cmd)
	if diff := cmp.Diff([]string{"deploy"}, jobNames(p)); diff != "" {
		t.Errorf("jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestCreate_VariablesAndPushOptions(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "feature")
	cmd.Variables = []domain.Variable{{Key: "DEPLOY", Value: "yes"}}
	cmd.PushOptions = []string{`ci.variable="EXTRA=1"`}
	cmd.Content = `
deploy:
  script: [echo]
  rules:
    - if: $DEPLOY == "yes" && $EXTRA == "1"
`
	p := f.create(t, cmd)
	if p.HasErrors() {
		t.Fatalf("unexpected errors: %v", p.Errors)
	}
	if value, _ := p.VariableValue("EXTRA"); value != "1" {
		t.Errorf("EXTRA = %q, want 1", value)
	}
	if p.JobCount() != 1 {
		t.Errorf("expected deploy job, got %d jobs", p.JobCount())
	}
}

func TestCreate_PartitionFromParent(t *testing.T) {
	f := newFixture(t)
	cmd := f.command(developer, "main")
	cmd.Source = domain.SourceParentPipeline
	cmd.ParentPipeline = &domain.Pipeline{ID: 9, PartitionID: 102}
	p := f.create(t, cmd)
	if p.PartitionID != 102 {
		t.Errorf("partition = %d, want 102", p.PartitionID)
	}
}

func TestCreate_MaintainerOnProtectedRef(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, f.command(maintainer, "production"))
	if p.HasErrors() || !p.Persisted() {
		t.Errorf("expected maintainer to create a pipeline, got errors=%v", p.Errors)
	}
	if value, ok := p.VariableValue("CI_COMMIT_REF_PROTECTED"); ok {
		t.Errorf("predefined variables must not leak into pipeline variables, got %q", value)
	}
}
