package ciconfig

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// normalize converts decoded YAML into map[string]any / []any trees.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

// deepMerge overlays child onto parent. Maps merge recursively, every
// other value is replaced.
func deepMerge(parent, child map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		pm, pok := out[k].(map[string]any)
		cm, cok := v.(map[string]any)
		if pok && cok {
			out[k] = deepMerge(pm, cm)
			continue
		}
		out[k] = v
	}
	return out
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// stringList accepts a string or a list of strings. Nested lists are
// flattened the way script arrays are.
func stringList(v any) ([]string, bool) {
	if v == nil {
		return nil, true
	}
	if s, ok := v.(string); ok {
		return []string{s}, true
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	var out []string
	for _, item := range list {
		if nested, ok := item.([]any); ok {
			flat, ok := stringList(nested)
			if !ok {
				return nil, false
			}
			out = append(out, flat...)
			continue
		}
		s, ok := scalarString(item)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// variables decodes a `variables:` block. Values may be scalars or
// {value, description} hashes. Keys are sorted for stable output.
func variables(v any) ([]domain.Variable, bool) {
	if v == nil {
		return nil, true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.Variable, 0, len(m))
	for _, k := range keys {
		raw := m[k]
		if h, ok := raw.(map[string]any); ok {
			raw = h["value"]
		}
		s, ok := scalarString(raw)
		if !ok && raw != nil {
			return nil, false
		}
		out = append(out, domain.Variable{Key: k, Value: s})
	}
	return out, true
}

func boolValue(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}
