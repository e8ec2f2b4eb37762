package ciconfig

import (
	"regexp"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

var variableReference = regexp.MustCompile(`\$\$|\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}|\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// ExpandVariables replaces $VAR and ${VAR} references in s. Unknown
// variables expand to the empty string and $$ is a literal dollar.
func ExpandVariables(s string, vars map[string]string) string {
	return variableReference.ReplaceAllStringFunc(s, func(match string) string {
		if match == "$$" {
			return "$"
		}
		sub := variableReference.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		return vars[name]
	})
}

// VariableMap flattens variables into a map. Later entries win.
func VariableMap(layers ...[]domain.Variable) map[string]string {
	out := map[string]string{}
	for _, layer := range layers {
		for _, v := range layer {
			out[v.Key] = v.Value
		}
	}
	return out
}
