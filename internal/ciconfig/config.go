// Package ciconfig loads and validates `.gitlab-ci.yml` content and decides
// which jobs take part in a pipeline.
package ciconfig

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jackvz/gitlab-foss/internal/ciconfig/expression"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// DefaultStages is used when the configuration declares no stages.
var DefaultStages = []string{".pre", "build", "test", "deploy", ".post"}

// DefaultStage is assigned to jobs without a `stage`.
const DefaultStage = "test"

var reservedKeys = map[string]bool{
	"image":         true,
	"services":      true,
	"stages":        true,
	"types":         true,
	"before_script": true,
	"after_script":  true,
	"variables":     true,
	"cache":         true,
	"include":       true,
	"workflow":      true,
	"default":       true,
}

var allowedJobKeys = map[string]bool{
	"script": true, "before_script": true, "after_script": true, "stage": true,
	"image": true, "services": true, "when": true, "start_in": true,
	"allow_failure": true, "needs": true, "environment": true,
	"resource_group": true, "tags": true, "variables": true,
	"interruptible": true, "only": true, "except": true, "rules": true,
	"extends": true, "trigger": true, "artifacts": true, "cache": true,
	"dependencies": true, "retry": true, "timeout": true, "coverage": true,
	"parallel": true, "release": true, "inherit": true, "secrets": true,
}

// Config is a validated CI configuration.
type Config struct {
	Stages    []string
	Variables []domain.Variable
	Workflow  *Workflow
	Jobs      []*Job
}

// Job returns the job with name, or nil.
func (c *Config) Job(name string) *Job {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// StageIndex returns the position of stage, or -1.
func (c *Config) StageIndex(stage string) int {
	for i, s := range c.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// Workflow holds `workflow:` settings.
type Workflow struct {
	Name  string
	Rules []Rule
}

// Rule is one entry of a `rules:` list.
type Rule struct {
	If           string
	When         domain.When
	AllowFailure *bool
	StartIn      string
	Variables    []domain.Variable

	statement *expression.Statement
}

// Policy is an `only:` or `except:` block.
type Policy struct {
	Refs      []string
	Variables []string
}

// Need is one entry of `needs:`.
type Need struct {
	Job      string
	Optional bool
}

// Job is a visible job after `extends` and defaults have been applied.
type Job struct {
	Name          string
	Stage         string
	Script        []string
	BeforeScript  []string
	AfterScript   []string
	Trigger       string
	Image         string
	When          domain.When
	StartIn       string
	AllowFailure  bool
	Needs         []Need
	Environment   string
	ResourceGroup string
	Tags          []string
	Variables     []domain.Variable
	Interruptible bool
	Only          *Policy
	Except        *Policy
	Rules         []Rule

	allowFailureSet bool
}

// Result is the outcome of Load. Config is nil when Errors is not empty.
type Result struct {
	Config   *Config
	Errors   []string
	Warnings []string
}

// Valid reports whether the content loaded without errors.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

type defaults struct {
	beforeScript  []string
	afterScript   []string
	image         string
	tags          []string
	interruptible *bool
}

type loader struct {
	result   *Result
	entries  map[string]map[string]any
	order    []string
	defaults defaults
}

func (l *loader) errorf(format string, args ...any) {
	l.result.Errors = append(l.result.Errors, fmt.Sprintf(format, args...))
}

func (l *loader) warnf(format string, args ...any) {
	l.result.Warnings = append(l.result.Warnings, fmt.Sprintf(format, args...))
}

// Load parses and validates content.
func Load(content []byte) *Result {
	l := &loader{result: &Result{}, entries: map[string]map[string]any{}}
	cfg := l.load(content)
	if l.result.Valid() {
		l.result.Config = cfg
	}
	return l.result
}

func (l *loader) load(content []byte) *Config {
	if strings.TrimSpace(string(content)) == "" {
		l.errorf("Please provide content of .gitlab-ci.yml")
		return nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		l.errorf("Invalid configuration format: %v", err)
		return nil
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		l.errorf("Invalid configuration format")
		return nil
	}

	root := doc.Content[0]
	globals := map[string]any{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		var raw any
		if err := root.Content[i+1].Decode(&raw); err != nil {
			l.errorf("%s config could not be decoded: %v", key, err)
			continue
		}
		raw = normalize(raw)

		if reservedKeys[key] {
			globals[key] = raw
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			if !strings.HasPrefix(key, ".") {
				l.errorf("jobs:%s config should be a hash", key)
			}
			continue
		}
		l.entries[key] = m
		if !strings.HasPrefix(key, ".") {
			l.order = append(l.order, key)
		}
	}

	cfg := &Config{}
	l.loadGlobals(cfg, globals)

	if len(l.order) == 0 {
		l.errorf("jobs config should contain at least one visible job")
		return cfg
	}

	for _, name := range l.order {
		merged, ok := l.resolveExtends(name)
		if !ok {
			continue
		}
		if job := l.buildJob(cfg, name, merged); job != nil {
			cfg.Jobs = append(cfg.Jobs, job)
		}
	}

	l.validateNeeds(cfg)
	l.checkDuplicatePipelines(cfg)
	return cfg
}

func (l *loader) loadGlobals(cfg *Config, globals map[string]any) {
	stages := globals["stages"]
	if stages == nil {
		stages = globals["types"]
	}
	if stages != nil {
		list, ok := stringList(stages)
		if !ok {
			l.errorf("stages config should be an array of strings")
		}
		cfg.Stages = withEdgeStages(list)
	} else {
		cfg.Stages = append([]string(nil), DefaultStages...)
	}

	vars, ok := variables(globals["variables"])
	if !ok {
		l.errorf("variables config should be a hash of key value pairs")
	}
	cfg.Variables = vars

	if _, ok := globals["include"]; ok {
		l.warnf("include is not supported and was ignored")
	}

	// Deprecated globals act as defaults and `default:` wins over them.
	def := map[string]any{}
	for _, key := range []string{"image", "before_script", "after_script"} {
		if v, ok := globals[key]; ok {
			def[key] = v
		}
	}
	if d, ok := globals["default"]; ok {
		dm, ok := d.(map[string]any)
		if !ok {
			l.errorf("default config should be a hash")
		} else {
			def = deepMerge(def, dm)
		}
	}
	l.loadDefaults(def)

	if w, ok := globals["workflow"]; ok {
		cfg.Workflow = l.loadWorkflow(w)
	}
}

func withEdgeStages(stages []string) []string {
	out := []string{".pre"}
	for _, s := range stages {
		if s != ".pre" && s != ".post" {
			out = append(out, s)
		}
	}
	return append(out, ".post")
}

func (l *loader) loadDefaults(def map[string]any) {
	var ok bool
	if l.defaults.beforeScript, ok = stringList(def["before_script"]); !ok {
		l.errorf("default:before_script config should be a string or a nested array of strings up to 10 levels deep")
	}
	if l.defaults.afterScript, ok = stringList(def["after_script"]); !ok {
		l.errorf("default:after_script config should be a string or a nested array of strings up to 10 levels deep")
	}
	if l.defaults.tags, ok = stringList(def["tags"]); !ok {
		l.errorf("default:tags config should be an array of strings")
	}
	l.defaults.image = imageName(def["image"])
	if v, present := def["interruptible"]; present {
		b, ok := boolValue(v)
		if !ok {
			l.errorf("default:interruptible config should be a boolean value")
		}
		l.defaults.interruptible = &b
	}
}

func imageName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		name, _ := t["name"].(string)
		return name
	}
	return ""
}

func (l *loader) loadWorkflow(v any) *Workflow {
	m, ok := v.(map[string]any)
	if !ok {
		l.errorf("workflow config should be a hash")
		return nil
	}
	w := &Workflow{}
	if name, present := m["name"]; present {
		s, ok := name.(string)
		if !ok {
			l.errorf("workflow:name config should be a string")
		} else if len(s) > 255 {
			l.errorf("workflow:name config is too long (maximum is 255 characters)")
		}
		w.Name = s
	}
	if rules, present := m["rules"]; present {
		w.Rules = l.loadRules("workflow", rules, true)
	}
	return w
}

func (l *loader) loadRules(location string, v any, workflow bool) []Rule {
	list, ok := v.([]any)
	if !ok {
		l.errorf("%s:rules config should be an array of hashes", location)
		return nil
	}
	rules := make([]Rule, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			l.errorf("%s:rules:rule config should be a hash", location)
			continue
		}
		var r Rule
		if raw, present := m["if"]; present {
			s, ok := raw.(string)
			if !ok {
				l.errorf("%s:rules:rule if should be a string", location)
				continue
			}
			stmt, err := expression.Parse(s)
			if err != nil {
				l.errorf("%s:rules:rule if invalid expression syntax", location)
				continue
			}
			r.If, r.statement = s, stmt
		}
		if raw, present := m["when"]; present {
			s, _ := raw.(string)
			r.When = domain.When(s)
			allowed := domain.ValidWhen(r.When)
			if workflow {
				allowed = r.When == domain.WhenAlways || r.When == domain.WhenNever
			}
			if !allowed {
				l.errorf("%s:rules:rule when unknown value: %v", location, raw)
			}
		}
		if raw, present := m["start_in"]; present {
			r.StartIn, _ = raw.(string)
			if problem, ok := validStartIn(r.StartIn); !ok {
				l.errorf("%s:rules:rule start in %s", location, problem)
			}
		}
		if raw, present := m["allow_failure"]; present {
			b, ok := allowFailure(raw)
			if !ok {
				l.errorf("%s:rules:rule allow_failure should be a boolean value", location)
			}
			r.AllowFailure = &b
		}
		if raw, present := m["variables"]; present {
			vars, ok := variables(raw)
			if !ok {
				l.errorf("%s:rules:rule variables config should be a hash of key value pairs", location)
			}
			r.Variables = vars
		}
		for key := range m {
			switch key {
			case "if", "when", "start_in", "allow_failure", "variables", "changes", "exists", "needs":
			default:
				l.errorf("%s:rules:rule config contains unknown keys: %s", location, key)
			}
		}
		if r.When == domain.WhenDelayed && r.StartIn == "" {
			l.errorf("%s:rules:rule start in should be specified for delayed job", location)
		}
		rules = append(rules, r)
	}
	return rules
}

// allowFailure accepts a boolean or an {exit_codes: ...} hash.
func allowFailure(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case map[string]any:
		_, ok := t["exit_codes"]
		return ok, ok
	}
	return false, false
}

const maxExtendsDepth = 11

// resolveExtends merges the templates named by `extends` into the entry.
func (l *loader) resolveExtends(name string) (map[string]any, bool) {
	return l.extend(name, name, nil)
}

func (l *loader) extend(job, name string, stack []string) (map[string]any, bool) {
	for _, seen := range stack {
		if seen == name {
			l.errorf("%s: circular dependency detected in `extends`", job)
			return nil, false
		}
	}
	if len(stack) >= maxExtendsDepth {
		l.errorf("%s: nesting too deep in `extends`", job)
		return nil, false
	}

	entry := l.entries[name]
	raw, present := entry["extends"]
	if !present {
		return entry, true
	}
	parents, ok := stringList(raw)
	if !ok {
		l.errorf("%s: invalid base hash in `extends`", job)
		return nil, false
	}

	stack = append(stack, name)
	merged := map[string]any{}
	for _, parent := range parents {
		if _, exists := l.entries[parent]; !exists {
			l.errorf("%s: unknown keys in `extends` (%s)", job, parent)
			return nil, false
		}
		base, ok := l.extend(job, parent, stack)
		if !ok {
			return nil, false
		}
		merged = deepMerge(merged, base)
	}
	merged = deepMerge(merged, entry)
	delete(merged, "extends")
	return merged, true
}

func (l *loader) buildJob(cfg *Config, name string, m map[string]any) *Job {
	loc := "jobs:" + name
	before := len(l.result.Errors)

	var unknown []string
	for key := range m {
		if !allowedJobKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		l.errorf("%s config contains unknown keys: %s", loc, strings.Join(unknown, ", "))
	}

	job := &Job{Name: name, Stage: DefaultStage, When: domain.WhenOnSuccess}
	var ok bool

	if job.Script, ok = stringList(m["script"]); !ok {
		l.errorf("%s:script config should be a string or a nested array of strings up to 10 levels deep", loc)
	}
	job.BeforeScript = l.defaults.beforeScript
	if raw, present := m["before_script"]; present {
		if job.BeforeScript, ok = stringList(raw); !ok {
			l.errorf("%s:before_script config should be a string or a nested array of strings up to 10 levels deep", loc)
		}
	}
	job.AfterScript = l.defaults.afterScript
	if raw, present := m["after_script"]; present {
		if job.AfterScript, ok = stringList(raw); !ok {
			l.errorf("%s:after_script config should be a string or a nested array of strings up to 10 levels deep", loc)
		}
	}

	if raw, present := m["trigger"]; present {
		switch t := raw.(type) {
		case string:
			job.Trigger = t
		case map[string]any:
			job.Trigger, _ = t["project"].(string)
			if job.Trigger == "" {
				job.Trigger = "child"
			}
		default:
			l.errorf("%s:trigger config should be a string or a hash", loc)
		}
	}
	if len(job.Script) == 0 && job.Trigger == "" {
		l.errorf("%s config should implement the script:, run:, or trigger: keyword", loc)
	}

	if raw, present := m["stage"]; present {
		job.Stage, _ = raw.(string)
	}
	if cfg.StageIndex(job.Stage) < 0 {
		l.errorf("%s chosen stage %s does not exist; available stages are %s", loc, job.Stage, strings.Join(cfg.Stages, ", "))
	}

	job.Image = l.defaults.image
	if raw, present := m["image"]; present {
		job.Image = imageName(raw)
	}

	if raw, present := m["when"]; present {
		s, _ := raw.(string)
		job.When = domain.When(s)
		if !domain.ValidWhen(job.When) {
			l.errorf("%s when should be one of: on_success, on_failure, always, manual, delayed, never", loc)
		}
	}
	if raw, present := m["start_in"]; present {
		job.StartIn, _ = raw.(string)
		if problem, ok := validStartIn(job.StartIn); !ok {
			l.errorf("%s start in %s", loc, problem)
		}
	}
	if job.When == domain.WhenDelayed && job.StartIn == "" {
		l.errorf("%s start in should be specified for delayed job", loc)
	}
	if job.When != domain.WhenDelayed && job.StartIn != "" && m["rules"] == nil {
		l.errorf("%s start in should be blank when not delayed", loc)
	}

	if raw, present := m["allow_failure"]; present {
		b, ok := allowFailure(raw)
		if !ok {
			l.errorf("%s:allow_failure config should be a hash or a boolean value", loc)
		}
		job.AllowFailure, job.allowFailureSet = b, true
	}

	if raw, present := m["needs"]; present {
		job.Needs = l.loadNeeds(loc, raw)
	}

	if raw, present := m["environment"]; present {
		job.Environment = imageName(raw)
		if job.Environment == "" {
			l.errorf("%s:environment name can't be blank", loc)
		}
	}
	if raw, present := m["resource_group"]; present {
		job.ResourceGroup, _ = raw.(string)
	}

	job.Tags = l.defaults.tags
	if raw, present := m["tags"]; present {
		if job.Tags, ok = stringList(raw); !ok {
			l.errorf("%s:tags config should be an array of strings", loc)
		}
	}
	if job.Variables, ok = variables(m["variables"]); !ok {
		l.errorf("%s:variables config should be a hash of key value pairs", loc)
	}

	if l.defaults.interruptible != nil {
		job.Interruptible = *l.defaults.interruptible
	}
	if raw, present := m["interruptible"]; present {
		if job.Interruptible, ok = boolValue(raw); !ok {
			l.errorf("%s:interruptible config should be a boolean value", loc)
		}
	}

	if raw, present := m["only"]; present {
		job.Only = l.loadPolicy(loc+":only", raw)
	}
	if raw, present := m["except"]; present {
		job.Except = l.loadPolicy(loc+":except", raw)
	}
	if raw, present := m["rules"]; present {
		if job.Only != nil || job.Except != nil {
			l.errorf("%s config key may not be used with `rules`: only, except", loc)
		}
		job.Rules = l.loadRules(loc, raw, false)
	}
	if job.Only == nil && job.Except == nil && job.Rules == nil {
		job.Only = &Policy{Refs: []string{"branches", "tags"}}
	}

	// Manual jobs outside of rules may fail without blocking the pipeline.
	if job.When == domain.WhenManual && !job.allowFailureSet && job.Rules == nil {
		job.AllowFailure = true
	}

	if len(l.result.Errors) > before {
		return nil
	}
	return job
}

func (l *loader) loadNeeds(loc string, raw any) []Need {
	list, ok := raw.([]any)
	if !ok {
		if s, isString := raw.(string); isString {
			return []Need{{Job: s}}
		}
		l.errorf("%s:needs config can only be a string, a hash or an array", loc)
		return nil
	}
	needs := make([]Need, 0, len(list))
	for _, item := range list {
		switch t := item.(type) {
		case string:
			needs = append(needs, Need{Job: t})
		case map[string]any:
			name, _ := t["job"].(string)
			if name == "" {
				l.errorf("%s:needs:need config must specify a job", loc)
				continue
			}
			optional, _ := t["optional"].(bool)
			needs = append(needs, Need{Job: name, Optional: optional})
		default:
			l.errorf("%s:needs:need has an unsupported type", loc)
		}
	}
	return needs
}

func (l *loader) loadPolicy(loc string, raw any) *Policy {
	if list, ok := stringList(raw); ok {
		p := &Policy{Refs: list}
		l.validateRefs(loc, p.Refs)
		return p
	}
	m, ok := raw.(map[string]any)
	if !ok {
		l.errorf("%s config should be an array of strings or a hash", loc)
		return nil
	}
	p := &Policy{}
	if refs, ok := stringList(m["refs"]); ok {
		p.Refs = refs
		l.validateRefs(loc, p.Refs)
	} else {
		l.errorf("%s:refs config should be an array of strings", loc)
	}
	if exprs, ok := stringList(m["variables"]); ok {
		for _, e := range exprs {
			if !expression.Valid(e) {
				l.errorf("%s variables invalid expression syntax", loc)
			}
		}
		p.Variables = exprs
	} else {
		l.errorf("%s:variables config should be an array of strings", loc)
	}
	for key := range m {
		switch key {
		case "refs", "variables", "changes", "kubernetes":
		default:
			l.errorf("%s config contains unknown keys: %s", loc, key)
		}
	}
	return p
}

func (l *loader) validateRefs(loc string, refs []string) {
	for _, ref := range refs {
		if isPattern(ref) {
			if _, err := refPattern(ref); err != nil {
				l.errorf("%s config should be an array of strings or regular expressions", loc)
			}
		}
	}
}

func (l *loader) checkDuplicatePipelines(cfg *Config) {
	if cfg.Workflow != nil && len(cfg.Workflow.Rules) > 0 {
		return
	}
	for _, job := range cfg.Jobs {
		for _, r := range job.Rules {
			if r.If == "" && r.When != domain.WhenNever && r.When != "" {
				l.warnf("jobs:%s may allow multiple pipelines to run for a single action due to `rules:when` clause with no `workflow:rules`", job.Name)
				break
			}
		}
	}
}
