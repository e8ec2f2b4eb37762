package ciconfig

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackvz/gitlab-foss/internal/ciconfig/expression"
	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// Context is the pipeline a configuration is evaluated for.
type Context struct {
	Source domain.Source
	Ref    string
	Tag    bool

	// Variables holds predefined and global variables. Job variables
	// override them and Overrides wins over both.
	Variables expression.Variables
	Overrides expression.Variables
}

func (c Context) variablesWith(layer []domain.Variable) expression.Variables {
	vars := make(expression.Variables, len(c.Variables)+len(layer)+len(c.Overrides))
	for k, v := range c.Variables {
		vars[k] = v
	}
	for _, v := range layer {
		vars[v.Key] = v.Value
	}
	for k, v := range c.Overrides {
		vars[k] = v
	}
	return vars
}

// Decision is the outcome of evaluating a job for a pipeline.
type Decision struct {
	Included     bool
	When         domain.When
	AllowFailure bool
	StartIn      string
	Variables    []domain.Variable
}

// EvaluateWorkflow reports whether a pipeline should be created and the
// variables contributed by the matching workflow rule.
func (c *Config) EvaluateWorkflow(ctx Context) (bool, []domain.Variable, error) {
	if c.Workflow == nil || len(c.Workflow.Rules) == 0 {
		return true, nil, nil
	}
	vars := ctx.variablesWith(c.Variables)
	for _, rule := range c.Workflow.Rules {
		matched, err := rule.matches(vars)
		if err != nil {
			return false, nil, err
		}
		if matched {
			return rule.When != domain.WhenNever, rule.Variables, nil
		}
	}
	return false, nil, nil
}

// Evaluate decides whether the job takes part in a pipeline for ctx.
func (j *Job) Evaluate(ctx Context) (Decision, error) {
	d := Decision{When: j.When, AllowFailure: j.AllowFailure, StartIn: j.StartIn}
	vars := ctx.variablesWith(j.Variables)

	if j.Rules != nil {
		for _, rule := range j.Rules {
			matched, err := rule.matches(vars)
			if err != nil {
				return Decision{}, err
			}
			if !matched {
				continue
			}
			if rule.When != "" {
				d.When = rule.When
			}
			if d.When == domain.WhenManual && !j.allowFailureSet {
				d.AllowFailure = false
			}
			if rule.AllowFailure != nil {
				d.AllowFailure = *rule.AllowFailure
			}
			if rule.StartIn != "" {
				d.StartIn = rule.StartIn
			}
			d.Variables = rule.Variables
			d.Included = d.When != domain.WhenNever
			return d, nil
		}
		return d, nil
	}

	if j.Only != nil {
		ok, err := j.Only.satisfied(ctx, vars)
		if err != nil || !ok {
			return d, err
		}
	}
	if j.Except != nil {
		ok, err := j.Except.satisfiedAny(ctx, vars)
		if err != nil || ok {
			return d, err
		}
	}
	d.Included = d.When != domain.WhenNever
	return d, nil
}

func (r Rule) matches(vars expression.Variables) (bool, error) {
	if r.statement == nil {
		return true, nil
	}
	ok, err := r.statement.Truthy(vars)
	if err != nil {
		return false, fmt.Errorf("rules:if %q: %w", r.If, err)
	}
	return ok, nil
}

// satisfied applies `only:` semantics: refs must match and, when given,
// at least one variables expression must be truthy.
func (p *Policy) satisfied(ctx Context, vars expression.Variables) (bool, error) {
	if len(p.Refs) > 0 && !p.matchesRef(ctx) {
		return false, nil
	}
	if len(p.Variables) == 0 {
		return true, nil
	}
	return anyTruthy(p.Variables, vars)
}

// satisfiedAny applies `except:` semantics: any matching part excludes.
func (p *Policy) satisfiedAny(ctx Context, vars expression.Variables) (bool, error) {
	if len(p.Refs) > 0 && p.matchesRef(ctx) {
		return true, nil
	}
	if len(p.Variables) == 0 {
		return false, nil
	}
	return anyTruthy(p.Variables, vars)
}

func anyTruthy(exprs []string, vars expression.Variables) (bool, error) {
	for _, e := range exprs {
		ok, err := expression.Evaluate(e, vars)
		if err != nil {
			return false, fmt.Errorf("variables %q: %w", e, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

var sourceKeywords = map[string][]domain.Source{
	"pushes":         {domain.SourcePush},
	"web":            {domain.SourceWeb},
	"schedules":      {domain.SourceSchedule},
	"triggers":       {domain.SourceTrigger},
	"api":            {domain.SourceAPI},
	"external":       {domain.SourceExternal},
	"chat":           {domain.SourceChat},
	"pipelines":      {domain.SourcePipeline, domain.SourceParentPipeline},
	"merge_requests": {domain.SourceMergeRequestEvent},
}

func (p *Policy) matchesRef(ctx Context) bool {
	for _, ref := range p.Refs {
		switch ref {
		case "branches":
			if !ctx.Tag && ctx.Source != domain.SourceMergeRequestEvent {
				return true
			}
			continue
		case "tags":
			if ctx.Tag {
				return true
			}
			continue
		}
		if sources, ok := sourceKeywords[ref]; ok {
			for _, s := range sources {
				if s == ctx.Source {
					return true
				}
			}
			continue
		}
		if isPattern(ref) {
			re, err := refPattern(ref)
			if err == nil && re.MatchString(ctx.Ref) {
				return true
			}
			continue
		}
		if ref == ctx.Ref {
			return true
		}
	}
	return false
}

func isPattern(ref string) bool {
	return len(ref) > 1 && strings.HasPrefix(ref, "/") && strings.LastIndex(ref, "/") > 0
}

func refPattern(ref string) (*regexp.Regexp, error) {
	end := strings.LastIndex(ref, "/")
	body, flags := ref[1:end], ref[end+1:]
	if flags != "" {
		body = "(?" + flags + ")" + body
	}
	return regexp.Compile(body)
}
