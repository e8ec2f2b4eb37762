package ciconfig

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

func mustLoad(t *testing.T, content string) *Config {
	t.Helper()
	result := Load([]byte(content))
	if !result.Valid() {
		t.Fatalf("Load() errors = %v", result.Errors)
	}
	return result.Config
}

func TestLoadStagesAndJobs(t *testing.T) {
	cfg := mustLoad(t, `
stages: [build, test]
variables:
  GLOBAL: one
  NUMBER: 3
default:
  image: ruby:3.3
  interruptible: true
build:
  stage: build
  script: make
rspec:
  script:
    - bundle install
    - [bundle exec rspec, echo done]
  tags: [docker]
`)

	if diff := cmp.Diff([]string{".pre", "build", "test", ".post"}, cfg.Stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
	wantVars := []domain.Variable{{Key: "GLOBAL", Value: "one"}, {Key: "NUMBER", Value: "3"}}
	if diff := cmp.Diff(wantVars, cfg.Variables); diff != "" {
		t.Errorf("variables mismatch (-want +got):\n%s", diff)
	}
	if len(cfg.Jobs) != 2 || cfg.Jobs[0].Name != "build" || cfg.Jobs[1].Name != "rspec" {
		t.Fatalf("jobs = %v, want build then rspec", cfg.Jobs)
	}

	rspec := cfg.Job("rspec")
	if rspec.Stage != DefaultStage {
		t.Errorf("rspec stage = %q, want %q", rspec.Stage, DefaultStage)
	}
	if diff := cmp.Diff([]string{"bundle install", "bundle exec rspec", "echo done"}, rspec.Script); diff != "" {
		t.Errorf("script mismatch (-want +got):\n%s", diff)
	}
	if rspec.Image != "ruby:3.3" || !rspec.Interruptible {
		t.Errorf("defaults not applied: image=%q interruptible=%v", rspec.Image, rspec.Interruptible)
	}
	if rspec.Only == nil || !cmp.Equal(rspec.Only.Refs, []string{"branches", "tags"}) {
		t.Errorf("default only = %+v", rspec.Only)
	}
}

func TestLoadDefaultStages(t *testing.T) {
	cfg := mustLoad(t, "job:\n  script: echo\n")
	if diff := cmp.Diff(DefaultStages, cfg.Stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadExtends(t *testing.T) {
	cfg := mustLoad(t, `
.base:
  image: alpine
  variables:
    A: base
    B: base
  script: echo base
.deploy:
  extends: .base
  stage: deploy
  variables:
    B: deploy
production:
  extends: [.deploy]
  script: echo production
  environment: production
`)

	job := cfg.Job("production")
	if job == nil {
		t.Fatal("production job missing")
	}
	if job.Stage != "deploy" || job.Image != "alpine" || job.Environment != "production" {
		t.Errorf("merged job = %+v", job)
	}
	if diff := cmp.Diff([]string{"echo production"}, job.Script); diff != "" {
		t.Errorf("script mismatch (-want +got):\n%s", diff)
	}
	want := []domain.Variable{{Key: "A", Value: "base"}, {Key: "B", Value: "deploy"}}
	if diff := cmp.Diff(want, job.Variables); diff != "" {
		t.Errorf("variables mismatch (-want +got):\n%s", diff)
	}
	if cfg.Job(".base") != nil {
		t.Error("hidden templates must not become jobs")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "empty", content: "", want: "Please provide content of .gitlab-ci.yml"},
		{name: "not a hash", content: "- a\n- b\n", want: "Invalid configuration format"},
		{name: "broken yaml", content: "a: [b\n", want: "Invalid configuration format"},
		{name: "no visible jobs", content: ".hidden:\n  script: echo\n", want: "jobs config should contain at least one visible job"},
		{name: "missing script", content: "job:\n  stage: test\n", want: "jobs:job config should implement the script:, run:, or trigger: keyword"},
		{name: "unknown stage", content: "job:\n  stage: lint\n  script: echo\n", want: "jobs:job chosen stage lint does not exist"},
		{name: "unknown key", content: "job:\n  script: echo\n  scirpt: echo\n", want: "jobs:job config contains unknown keys: scirpt"},
		{name: "bad when", content: "job:\n  script: echo\n  when: sometimes\n", want: "jobs:job when should be one of"},
		{name: "delayed without start_in", content: "job:\n  script: echo\n  when: delayed\n", want: "jobs:job start in should be specified for delayed job"},
		{name: "bad start_in", content: "job:\n  script: echo\n  when: delayed\n  start_in: soonish\n", want: "jobs:job start in should be a duration"},
		{name: "start_in too long", content: "job:\n  script: echo\n  when: delayed\n  start_in: 2 weeks\n", want: "jobs:job start in should not exceed the limit"},
		{name: "circular extends", content: ".a:\n  extends: .b\n.b:\n  extends: .a\njob:\n  extends: .a\n  script: echo\n", want: "job: circular dependency detected in `extends`"},
		{name: "unknown extends", content: "job:\n  extends: .missing\n  script: echo\n", want: "job: unknown keys in `extends` (.missing)"},
		{name: "undefined need", content: "job:\n  script: echo\n  needs: [build]\n", want: "jobs:job:needs undefined need: build"},
		{name: "invalid rule expression", content: "job:\n  script: echo\n  rules:\n    - if: '$A = \"b\"'\n", want: "jobs:job:rules:rule if invalid expression syntax"},
		{name: "rules with only", content: "job:\n  script: echo\n  only: [main]\n  rules:\n    - when: always\n", want: "jobs:job config key may not be used with `rules`: only, except"},
		{name: "job not a hash", content: "job: echo\n", want: "jobs:job config should be a hash"},
		{
			name: "cyclic needs",
			content: `
a:
  script: echo
  needs: [b]
b:
  script: echo
  needs: [a]
`,
			want: "The pipeline has circular dependencies",
		},
		{
			name:    "extends too deep",
			content: deepExtends(13),
			want:    "job: nesting too deep in `extends`",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Load([]byte(tt.content))
			if result.Valid() {
				t.Fatal("Load() succeeded, want errors")
			}
			if result.Config != nil {
				t.Error("Config must be nil on errors")
			}
			found := false
			for _, e := range result.Errors {
				if strings.Contains(e, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("Load() errors = %v, want one containing %q", result.Errors, tt.want)
			}
		})
	}
}

func deepExtends(depth int) string {
	var b strings.Builder
	b.WriteString(".t0:\n  script: echo\n")
	for i := 1; i < depth; i++ {
		fmt.Fprintf(&b, ".t%d:\n  extends: .t%d\n", i, i-1)
	}
	fmt.Fprintf(&b, "job:\n  extends: .t%d\n", depth-1)
	return b.String()
}

func TestLoadWarnings(t *testing.T) {
	result := Load([]byte(`
job:
  script: echo
  rules:
    - if: $CI_COMMIT_BRANCH
    - when: always
`))
	if !result.Valid() {
		t.Fatalf("Load() errors = %v", result.Errors)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "jobs:job may allow multiple pipelines") {
		t.Errorf("warnings = %v", result.Warnings)
	}

	result = Load([]byte(`
workflow:
  rules:
    - if: $CI_COMMIT_BRANCH
job:
  script: echo
  rules:
    - when: always
`))
	if len(result.Warnings) != 0 {
		t.Errorf("warnings with workflow rules = %v, want none", result.Warnings)
	}
}

func TestManualJobAllowsFailure(t *testing.T) {
	cfg := mustLoad(t, `
deploy:
  script: echo
  when: manual
strict:
  script: echo
  when: manual
  allow_failure: false
`)
	if !cfg.Job("deploy").AllowFailure {
		t.Error("manual job should allow failure by default")
	}
	if cfg.Job("strict").AllowFailure {
		t.Error("explicit allow_failure: false must be kept")
	}
}
